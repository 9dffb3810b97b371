package netsio

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/fujinet/netsiohub/transport/serial"
)

// SerialTransport stands in for PeripheralEndpoint when the hub is
// configured to bridge exactly one peripheral over a serial device instead
// of the UDP socket. It assumes a single, always-present peripheral: there
// is no client table, no expiry sweep, and credit is granted once at
// startup rather than recomputed.
type SerialTransport struct {
	device string
	hub    PeripheralHub
	cfg    Config

	backend *serial.Backend
	client  *PeripheralClient
}

func NewSerialTransport(cfg Config, hub PeripheralHub) *SerialTransport {
	return &SerialTransport{
		device: cfg.SerialDevice,
		hub:    hub,
		cfg:    cfg,
		client: NewPeripheralClient(&net.UDPAddr{}, cfg.DefaultCredit, 0),
	}
}

// Run opens the serial device and services it until the device errors out
// or Close is called.
func (st *SerialTransport) Run() error {
	backend, err := serial.Open(st.device)
	if err != nil {
		return fmt.Errorf("serial transport: %w", err)
	}
	st.backend = backend
	log.Infof("[serial] bridging single peripheral over %s", st.device)
	st.hub.PeripheralRegistered(st.client)

	for frame := range backend.Incoming() {
		msg, err := DecodeDatagram(frame)
		if err != nil {
			log.Warnf("[serial] malformed frame: %v", err)
			continue
		}
		if msg.Event.IsConnectionManagement() {
			continue
		}
		st.hub.HandleData(msg, st.client)
	}
	st.hub.PeripheralDeregistered(st.client, "serial device closed")
	return nil
}

func (st *SerialTransport) Close() error {
	if st.backend == nil {
		return nil
	}
	return st.backend.Close()
}

func (st *SerialTransport) Broadcast(msg Message) {
	if st.backend == nil {
		return
	}
	if err := st.backend.Broadcast(EncodeDatagram(msg)); err != nil {
		log.Warnf("[serial] write failed: %v", err)
	}
}

func (st *SerialTransport) FlushReset(msg Message) {
	st.Broadcast(msg)
}

// PeripheralCount is always 1: the serial line either has a peripheral
// attached or the hub isn't running this transport at all.
func (st *SerialTransport) PeripheralCount() int {
	return 1
}
