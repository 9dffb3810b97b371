package netsio

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Stats exposes running message totals for an optional CLI banner; the hub
// core itself never reads them back.
type Stats struct {
	HostMessages       int64
	PeripheralMessages int64
}

// Hub is the protocol core: it fuses the emulator's command sequence with
// asynchronous peripheral traffic, owns the single SyncRequest slot, and
// implements SIO-frame reconstruction for logging/validation.
type Hub struct {
	cfg Config

	host       *HostEndpoint
	peripheral peripheralTransport
	sync       *SyncRequest

	pendingMu sync.Mutex
	pending   PendingSioCommand

	hostMessages       int64
	peripheralMessages int64
}

// peripheralTransport is whatever delivers and accepts peripheral traffic:
// the UDP PeripheralEndpoint in the common case, or a SerialTransport when
// the hub bridges a single peripheral over a serial device. Hub is unaware
// which one is underneath.
type peripheralTransport interface {
	Run() error
	Close() error
	Broadcast(msg Message)
	FlushReset(msg Message)
	PeripheralCount() int
}

func NewHub(cfg Config) *Hub {
	h := &Hub{cfg: cfg, sync: NewSyncRequest()}
	h.host = NewHostEndpoint(cfg, h)
	if cfg.SerialDevice != "" {
		h.peripheral = NewSerialTransport(cfg, h)
	} else {
		h.peripheral = NewPeripheralEndpoint(cfg, h)
	}
	return h
}

// Run starts both endpoints and blocks until either fails or shutdown is
// requested via Close. Only a bind failure at startup surfaces to the
// caller.
func (h *Hub) Run() error {
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- h.peripheral.Run()
	}()
	go func() {
		defer wg.Done()
		errs <- h.host.ListenAndServe()
	}()
	err := <-errs
	h.Close()
	wg.Wait()
	close(errs)
	for e := range errs {
		if err == nil {
			err = e
		}
	}
	return err
}

func (h *Hub) Close() {
	h.host.Close()
	h.peripheral.Close()
}

func (h *Hub) Stats() Stats {
	return Stats{
		HostMessages:       atomic.LoadInt64(&h.hostMessages),
		PeripheralMessages: atomic.LoadInt64(&h.peripheralMessages),
	}
}

// --- HostHub ---

func (h *Hub) HostAttached() {
	log.Info("[hub] emulator attached")
}

func (h *Hub) HostDetached() {
	log.Info("[hub] emulator detached")
	h.sync.Clear(EmptySyncResult)
}

func (h *Hub) HandleHostAsync(msg Message) {
	atomic.AddInt64(&h.hostMessages, 1)
	switch msg.Event {
	case EventCommandOn:
		h.pendingMu.Lock()
		h.pending.onCommandOn(msg.Param2)
		h.pendingMu.Unlock()
		log.Debugf("[hub] device x%x command on", msg.Param2)
		h.peripheral.Broadcast(msg)
	case EventDataBlock:
		h.pendingMu.Lock()
		h.pending.onDataBlock(msg.Arg)
		h.pendingMu.Unlock()
		h.peripheral.Broadcast(msg)
	case EventColdReset, EventWarmReset:
		h.pendingMu.Lock()
		h.pending.onUnexpected()
		h.pendingMu.Unlock()
		h.sync.Clear(EmptySyncResult)
		h.peripheral.FlushReset(msg)
	default:
		h.pendingMu.Lock()
		h.pending.onUnexpected()
		h.pendingMu.Unlock()
		h.peripheral.Broadcast(msg)
	}
}

func (h *Hub) HandleHostSync(msg Message) uint32 {
	atomic.AddInt64(&h.hostMessages, 1)
	switch msg.Event {
	case EventDataByteSync:
		h.pendingMu.Lock()
		h.pending.onUnexpected()
		h.pendingMu.Unlock()
		return h.syncRoundTrip(SyncDataByteSync, msg)
	case EventCommandOffSync:
		var checksum byte
		if len(msg.Arg) > 0 {
			checksum = msg.Arg[0]
		}
		h.pendingMu.Lock()
		inSequence := h.pending.onCommandOffSync(checksum)
		h.pendingMu.Unlock()
		if !inSequence {
			log.Debugf("[hub] %s arrived outside a COMMAND_ON/DATA_BLOCK sequence", msg.Event)
		}
		return h.syncRoundTrip(SyncCommandOffSync, msg)
	default:
		log.Warnf("[hub] unexpected sync event %s from host", msg.Event)
		return EmptySyncResult
	}
}

// syncRoundTrip allocates a correlator, broadcasts msg tagged with it to
// every peripheral, and blocks for the matching SYNC_RESPONSE (or the
// configured timeout) before returning the result for DATA_BYTE_SYNC and
// COMMAND_OFF_SYNC requests.
func (h *Hub) syncRoundTrip(kind SyncKind, msg Message) uint32 {
	sn, ch := h.sync.SetRequest(kind)
	h.host.drainOutbound()
	if h.peripheral.PeripheralCount() == 0 {
		log.Debugf("%v", fmt.Errorf("%w: sync request %s resolves empty", ErrNoPeripheral, msg.Event))
		h.sync.Clear(EmptySyncResult)
		return EmptySyncResult
	}
	h.peripheral.Broadcast(msg.WithSerial(sn))
	return h.sync.Wait(ch, h.cfg.SyncTimeout, EmptySyncResult)
}

// --- PeripheralHub ---

func (h *Hub) HandleData(msg Message, client *PeripheralClient) {
	atomic.AddInt64(&h.peripheralMessages, 1)
	kind, sn, pending := h.sync.CheckRequest()
	_ = kind
	if pending && msg.Event == EventSyncResponse {
		if len(msg.Arg) < 1 || msg.Arg[0] != sn {
			return
		}
		h.sync.SetResponse(parseSyncResponseArg(msg.Arg), sn)
		return
	}
	if pending && (msg.Event == EventDataByte || msg.Event == EventDataBlock) {
		// The eventual SYNC_RESPONSE carries authoritative state; discard
		// anything that raced ahead of it.
		return
	}
	if !h.host.Attached() {
		log.Debugf("%v", fmt.Errorf("%w: dropping %s from %s", ErrHostNotAttached, msg.Event, client.Key()))
		return
	}
	h.host.DeliverAsync(msg)
}

func (h *Hub) HostOutboundLen() int {
	return h.host.Len()
}

func (h *Hub) PeripheralRegistered(client *PeripheralClient) {
	log.Infof("[hub] peripheral %s registered", client.Key())
}

func (h *Hub) PeripheralDeregistered(client *PeripheralClient, reason string) {
	log.Infof("[hub] peripheral %s deregistered (%s)", client.Key(), reason)
}

// parseSyncResponseArg decodes a SYNC_RESPONSE argument of the form
// [sn, kindFlag, ackByte, sizeLo, sizeHi]. kindFlag == 0 means empty.
func parseSyncResponseArg(arg []byte) uint32 {
	if len(arg) < 2 || arg[1] == 0 {
		return EmptySyncResult
	}
	var ack, lo, hi byte
	if len(arg) > 2 {
		ack = arg[2]
	}
	if len(arg) > 3 {
		lo = arg[3]
	}
	if len(arg) > 4 {
		hi = arg[4]
	}
	return PackSyncResult(ack, uint16(lo)|uint16(hi)<<8)
}
