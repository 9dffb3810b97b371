package netsio

import (
	"net"
	"sync"
	"time"
)

// PeripheralClient is a registered NetSIO peripheral, keyed on its source
// IP and UDP port. Credit and expiry are guarded by their own mutex so a
// broadcast can snapshot the client table without holding it across I/O.
type PeripheralClient struct {
	Addr *net.UDPAddr

	mu        sync.Mutex
	credit    int
	expiresAt time.Time
}

func NewPeripheralClient(addr *net.UDPAddr, defaultCredit int, aliveExpiration time.Duration) *PeripheralClient {
	return &PeripheralClient{
		Addr:      addr,
		credit:    defaultCredit,
		expiresAt: time.Now().Add(aliveExpiration),
	}
}

func (c *PeripheralClient) Key() string {
	return c.Addr.String()
}

// Refresh pushes the expiry deadline out by aliveExpiration, called on any
// received message from this client.
func (c *PeripheralClient) Refresh(aliveExpiration time.Duration) {
	c.mu.Lock()
	c.expiresAt = time.Now().Add(aliveExpiration)
	c.mu.Unlock()
}

func (c *PeripheralClient) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.expiresAt)
}

func (c *PeripheralClient) Credit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credit
}

func (c *PeripheralClient) SetCredit(n int) {
	c.mu.Lock()
	c.credit = n
	c.mu.Unlock()
}
