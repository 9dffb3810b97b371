package netsio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestPeripheralClientRefreshExtendsExpiry(t *testing.T) {
	c := NewPeripheralClient(testAddr(9000), 3, 10*time.Millisecond)
	assert.False(t, c.Expired(time.Now()))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, c.Expired(time.Now()))

	c.Refresh(50 * time.Millisecond)
	assert.False(t, c.Expired(time.Now()))
}

func TestPeripheralClientSetCreditDoesNotClamp(t *testing.T) {
	c := NewPeripheralClient(testAddr(9000), 3, time.Second)
	c.SetCredit(-1)
	// SetCredit is a direct setter with no clamping of its own; the clamp to
	// zero lives in PeripheralEndpoint.recomputeCredit, covered in
	// peripheral_endpoint_test.go.
	assert.Equal(t, -1, c.Credit())
}

func TestPeripheralClientKeyMatchesAddr(t *testing.T) {
	c := NewPeripheralClient(testAddr(9001), 3, time.Second)
	assert.Equal(t, "127.0.0.1:9001", c.Key())
}
