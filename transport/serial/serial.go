// Package serial implements an alternate transport for bridging a single
// local peripheral over a real or virtual serial device instead of the
// UDP socket. It is deliberately narrow — interfaced-only in depth,
// treating the serial backend as an external collaborator.
package serial

import (
	"fmt"
	"io"
	"time"

	goserial "github.com/daedaluz/goserial"
	log "github.com/sirupsen/logrus"
)

// maxFrameLen is the longest frame the length prefix can describe. Every
// frame on the wire is preceded by a single length byte, since a serial line
// has no datagram boundary (NetSIO arguments are always short), followed by
// that many bytes of <event><arg...>.
const maxFrameLen = 255

// Backend is the transport surface the Hub's peripheral side would use in
// place of PeripheralEndpoint's UDP socket when bridging exactly one
// peripheral over a serial cable.
type Backend struct {
	port    *goserial.Port
	inbound chan []byte
	closed  chan struct{}
}

// Open configures device for raw, non-canonical I/O and starts the
// background reader that assembles framed messages.
func Open(device string) (*Backend, error) {
	port, err := goserial.Open(device, goserial.NewOptions().SetReadTimeout(200 * time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", device, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure serial device %s: %w", device, err)
	}
	b := &Backend{
		port:    port,
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Broadcast writes one length-prefixed frame (<event><arg...>, same layout
// as a UDP datagram) to the serial peripheral.
func (b *Backend) Broadcast(frame []byte) error {
	if len(frame) > maxFrameLen {
		return fmt.Errorf("serial frame too long: %d bytes", len(frame))
	}
	buf := make([]byte, 1+len(frame))
	buf[0] = byte(len(frame))
	copy(buf[1:], frame)
	_, err := b.port.Write(buf)
	return err
}

// Incoming yields fully-framed <event><arg...> payloads as they arrive.
func (b *Backend) Incoming() <-chan []byte {
	return b.inbound
}

func (b *Backend) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return b.port.Close()
}

func (b *Backend) readLoop() {
	defer close(b.inbound)
	lenBuf := make([]byte, 1)
	for {
		select {
		case <-b.closed:
			return
		default:
		}
		if _, err := io.ReadFull(b.port, lenBuf); err != nil {
			if isTimeout(err) {
				continue
			}
			log.Warnf("[serial] read error: %v", err)
			return
		}
		frame := make([]byte, lenBuf[0])
		if len(frame) > 0 {
			if _, err := io.ReadFull(b.port, frame); err != nil {
				log.Warnf("[serial] short frame: %v", err)
				continue
			}
		}
		select {
		case b.inbound <- frame:
		default:
			log.Warnf("[serial] inbound queue full, dropping frame")
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
