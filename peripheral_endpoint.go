package netsio

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fujinet/netsiohub/internal/coalesce"
)

// PeripheralHub is the narrow callback surface the PeripheralEndpoint needs
// from the Hub, passed in at construction to avoid the two objects owning
// each other directly.
type PeripheralHub interface {
	// HandleData routes one data-class message (already coalesced where
	// applicable) from a peripheral toward the host.
	HandleData(msg Message, client *PeripheralClient)
	// HostOutboundLen reports the current depth of the host_outbound queue,
	// used by the credit-recomputation rule.
	HostOutboundLen() int
	PeripheralRegistered(client *PeripheralClient)
	PeripheralDeregistered(client *PeripheralClient, reason string)
}

// PeripheralEndpoint owns the UDP socket, the peripheral client table, and
// the shared inbound-byte coalescing buffer that folds isolated DATA_BYTE
// events from a peripheral into DATA_BLOCK messages.
type PeripheralEndpoint struct {
	cfg Config
	hub PeripheralHub

	conn *net.UDPConn

	mu      sync.Mutex
	clients map[string]*PeripheralClient

	outbound chan Message

	coalesceMu    sync.Mutex
	coalesceRing  *coalesce.Ring
	coalesceTimer *time.Timer
	coalesceFrom  *PeripheralClient

	closeOnce sync.Once
	closed    chan struct{}
}

func NewPeripheralEndpoint(cfg Config, hub PeripheralHub) *PeripheralEndpoint {
	return &PeripheralEndpoint{
		cfg:          cfg,
		hub:          hub,
		clients:      make(map[string]*PeripheralClient),
		outbound:     make(chan Message, cfg.PeripheralOutbound),
		coalesceRing: coalesce.NewRing(cfg.CoalesceThreshold * 2),
		closed:       make(chan struct{}),
	}
}

// Run satisfies the peripheralTransport interface used by Hub; it simply
// binds and serves the UDP socket.
func (pe *PeripheralEndpoint) Run() error {
	return pe.ListenAndServe()
}

func (pe *PeripheralEndpoint) ListenAndServe() error {
	addr, err := net.ResolveUDPAddr("udp", pe.cfg.PeripheralAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenPeripheral, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenPeripheral, err)
	}
	pe.conn = conn
	log.Infof("[peripheral] listening on %s", conn.LocalAddr())
	go pe.senderLoop()
	pe.receiveLoop()
	return nil
}

func (pe *PeripheralEndpoint) Close() error {
	var err error
	pe.closeOnce.Do(func() {
		close(pe.closed)
		if pe.conn != nil {
			err = pe.conn.Close()
		}
	})
	return err
}

// Broadcast enqueues msg for delivery to every non-expired peripheral. A
// full queue drops the new message with a log line rather than blocking
// the caller.
func (pe *PeripheralEndpoint) Broadcast(msg Message) {
	select {
	case pe.outbound <- msg:
	default:
		log.Warnf("[peripheral] %v", fmt.Errorf("%w: %s", ErrQueueFull, msg.Event))
	}
}

// FlushReset drops everything queued for peripherals except the reset
// itself, then enqueues it; used for COLD_RESET/WARM_RESET.
func (pe *PeripheralEndpoint) FlushReset(msg Message) {
	for {
		select {
		case <-pe.outbound:
		default:
			pe.outbound <- msg
			return
		}
	}
}

func (pe *PeripheralEndpoint) snapshotClients() []*PeripheralClient {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	out := make([]*PeripheralClient, 0, len(pe.clients))
	for _, c := range pe.clients {
		out = append(out, c)
	}
	return out
}

func (pe *PeripheralEndpoint) PeripheralCount() int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return len(pe.clients)
}

// sweepExpired removes and reports any client whose deadline has passed.
// Called on every broadcast and after processing each inbound datagram.
func (pe *PeripheralEndpoint) sweepExpired() {
	now := time.Now()
	var expired []*PeripheralClient
	pe.mu.Lock()
	for key, c := range pe.clients {
		if c.Expired(now) {
			delete(pe.clients, key)
			expired = append(expired, c)
		}
	}
	pe.mu.Unlock()
	for _, c := range expired {
		log.Infof("[peripheral] %s connection expired", c.Key())
		pe.hub.PeripheralDeregistered(c, "expired")
	}
}

func (pe *PeripheralEndpoint) senderLoop() {
	for {
		select {
		case <-pe.closed:
			return
		case msg := <-pe.outbound:
			pe.sweepExpired()
			datagram := EncodeDatagram(msg)
			for _, c := range pe.snapshotClients() {
				if _, err := pe.conn.WriteToUDP(datagram, c.Addr); err != nil {
					log.Warnf("[peripheral] send to %s failed, marking expired: %v", c.Key(), err)
					c.Refresh(-time.Hour)
				}
			}
		}
	}
}

func (pe *PeripheralEndpoint) sendTo(c *PeripheralClient, msg Message) {
	if _, err := pe.conn.WriteToUDP(EncodeDatagram(msg), c.Addr); err != nil {
		log.Warnf("[peripheral] direct send to %s failed: %v", c.Key(), err)
	}
}

func (pe *PeripheralEndpoint) receiveLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := pe.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-pe.closed:
				return
			default:
				log.Errorf("[peripheral] udp read error: %v", err)
				return
			}
		}
		msg, err := DecodeDatagram(buf[:n])
		if err != nil {
			log.Warnf("[peripheral] malformed datagram from %s: %v", addr, err)
			continue
		}
		pe.handleDatagram(msg, addr)
		pe.sweepExpired()
	}
}

func (pe *PeripheralEndpoint) handleDatagram(msg Message, addr *net.UDPAddr) {
	if msg.Event.IsConnectionManagement() {
		pe.handleConnectionManagement(msg, addr)
		return
	}
	pe.mu.Lock()
	client := pe.clients[addr.String()]
	pe.mu.Unlock()
	if client == nil {
		log.Debugf("[peripheral] data event %s from unregistered %s ignored", msg.Event, addr)
		return
	}
	client.Refresh(pe.cfg.AliveExpiration)

	if msg.Event == EventDataByte {
		if len(msg.Arg) != 1 {
			log.Warnf("[peripheral] malformed DATA_BYTE from %s", addr)
			return
		}
		pe.coalesceAdd(client, msg.Arg[0])
		return
	}
	// Any other data event forces a flush first, preserving order.
	pe.coalesceFlush("preempt")
	pe.deliver(msg, client)
}

func (pe *PeripheralEndpoint) handleConnectionManagement(msg Message, addr *net.UDPAddr) {
	switch msg.Event {
	case EventDeviceConnect:
		pe.mu.Lock()
		client, exists := pe.clients[addr.String()]
		if !exists {
			client = NewPeripheralClient(addr, pe.cfg.DefaultCredit, pe.cfg.AliveExpiration)
			pe.clients[client.Key()] = client
		} else {
			client.Refresh(pe.cfg.AliveExpiration)
		}
		pe.mu.Unlock()
		if !exists {
			pe.sendTo(client, Message{Event: EventCreditUpdate, Arg: []byte{byte(pe.cfg.DefaultCredit)}})
			log.Infof("[peripheral] %s connected", client.Key())
			pe.hub.PeripheralRegistered(client)
		}
	case EventDeviceDisconnect:
		pe.mu.Lock()
		client, exists := pe.clients[addr.String()]
		if exists {
			delete(pe.clients, client.Key())
		}
		pe.mu.Unlock()
		if exists {
			log.Infof("[peripheral] %s disconnected", client.Key())
			pe.hub.PeripheralDeregistered(client, "disconnect")
		}
	case EventPingRequest:
		// Answered regardless of registration; does not refresh expiry.
		pe.conn.WriteToUDP(EncodeDatagram(Message{Event: EventPingResponse}), addr)
	case EventAliveRequest:
		pe.mu.Lock()
		client := pe.clients[addr.String()]
		pe.mu.Unlock()
		if client == nil {
			return
		}
		client.Refresh(pe.cfg.AliveExpiration)
		pe.sendTo(client, Message{Event: EventAliveResponse})
	case EventCreditStatus:
		pe.mu.Lock()
		client := pe.clients[addr.String()]
		pe.mu.Unlock()
		if client == nil {
			return
		}
		client.Refresh(pe.cfg.AliveExpiration)
		pe.handleCreditStatus(client, msg)
	default:
		log.Debugf("[peripheral] unhandled connection-management event %s from %s", msg.Event, addr)
	}
}

func (pe *PeripheralEndpoint) handleCreditStatus(client *PeripheralClient, msg Message) {
	var announced int
	if len(msg.Arg) > 0 {
		announced = int(msg.Arg[0])
	}
	avail := pe.cfg.DefaultCredit - pe.hub.HostOutboundLen()
	if avail < 0 {
		avail = 0
	}
	if announced <= 10 {
		client.SetCredit(avail)
		pe.sendTo(client, Message{Event: EventCreditUpdate, Arg: []byte{byte(avail)}})
		return
	}
	pe.recomputeCredit(client)
}

// recomputeCredit re-derives available credit from the host outbound
// queue depth on every message delivered toward the host; if it has grown
// to at least 2 and exceeds what the client was last told, announce it.
func (pe *PeripheralEndpoint) recomputeCredit(client *PeripheralClient) {
	avail := pe.cfg.DefaultCredit - pe.hub.HostOutboundLen()
	if avail < 0 {
		avail = 0
	}
	if avail >= 2 && avail > client.Credit() {
		client.SetCredit(avail)
		pe.sendTo(client, Message{Event: EventCreditUpdate, Arg: []byte{byte(avail)}})
	}
}

func (pe *PeripheralEndpoint) deliver(msg Message, client *PeripheralClient) {
	pe.hub.HandleData(msg, client)
	pe.recomputeCredit(client)
}

// coalesceAdd folds a DATA_BYTE into the shared coalescing buffer, flushing
// immediately if it reaches the threshold and arming a timer to flush it
// after the coalesce window otherwise.
func (pe *PeripheralEndpoint) coalesceAdd(client *PeripheralClient, b byte) {
	pe.coalesceMu.Lock()
	wasEmpty := pe.coalesceRing.Occupied() == 0
	pe.coalesceFrom = client
	pe.coalesceRing.WriteByte(b)
	if wasEmpty {
		pe.coalesceTimer = time.AfterFunc(pe.cfg.CoalesceWindow, func() { pe.coalesceFlush("timer") })
	}
	full := pe.coalesceRing.Occupied() >= pe.cfg.CoalesceThreshold
	pe.coalesceMu.Unlock()
	if full {
		pe.coalesceFlush("threshold")
	}
}

func (pe *PeripheralEndpoint) coalesceFlush(reason string) {
	pe.coalesceMu.Lock()
	data := pe.coalesceRing.Drain()
	client := pe.coalesceFrom
	if pe.coalesceTimer != nil {
		pe.coalesceTimer.Stop()
		pe.coalesceTimer = nil
	}
	pe.coalesceFrom = nil
	pe.coalesceMu.Unlock()

	if len(data) == 0 || client == nil {
		return
	}
	var msg Message
	if len(data) == 1 {
		msg = Message{Event: EventDataByte, Arg: data}
	} else {
		msg = Message{Event: EventDataBlock, Arg: data}
	}
	log.Debugf("[peripheral] coalesce flush (%s): %d bytes from %s", reason, len(data), client.Key())
	pe.deliver(msg, client)
}
