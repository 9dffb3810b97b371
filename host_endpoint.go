package netsio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type hostState int32

const (
	hostDisconnected hostState = iota
	hostConnected
)

// HostHub is the narrow callback surface HostEndpoint needs from the Hub.
type HostHub interface {
	HostAttached()
	HostDetached()
	HandleHostAsync(msg Message)
	// HandleHostSync blocks (up to the configured sync timeout) and returns
	// the 32-bit value to place in the outbound SYNC_RESPONSE frame.
	HandleHostSync(msg Message) uint32
}

// HostEndpoint terminates the single TCP connection the emulator opens for
// the custom-device protocol, translating its 17-byte frame header to and
// from Message values.
type HostEndpoint struct {
	cfg Config
	hub HostHub

	listener net.Listener

	mu    sync.Mutex
	conn  net.Conn
	state int32 // hostState, atomic

	outbound chan Message
	// syncOut carries the single outstanding SYNC_RESPONSE frame so the
	// reader goroutine never writes to conn directly; writerLoop is the
	// only goroutine that ever calls conn.Write.
	syncOut chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

func NewHostEndpoint(cfg Config, hub HostHub) *HostEndpoint {
	return &HostEndpoint{
		cfg:      cfg,
		hub:      hub,
		outbound: make(chan Message, cfg.HostOutboundBound),
		syncOut:  make(chan Message, 1),
		closed:   make(chan struct{}),
	}
}

func (he *HostEndpoint) ListenAndServe() error {
	ln, err := net.Listen("tcp", he.cfg.HostAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenHost, err)
	}
	he.listener = ln
	log.Infof("[host] listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-he.closed:
				return nil
			default:
				return fmt.Errorf("%w: %v", ErrListenHost, err)
			}
		}
		he.serve(conn)
	}
}

func (he *HostEndpoint) Close() error {
	var err error
	he.closeOnce.Do(func() {
		close(he.closed)
		if he.listener != nil {
			err = he.listener.Close()
		}
		he.mu.Lock()
		if he.conn != nil {
			he.conn.Close()
		}
		he.mu.Unlock()
	})
	return err
}

// serve runs one emulator connection to completion; only one connection is
// ever active, cycling between disconnected and connected states.
func (he *HostEndpoint) serve(conn net.Conn) {
	he.mu.Lock()
	if he.conn != nil {
		he.mu.Unlock()
		log.Warnf("[host] %v", fmt.Errorf("%w: rejecting connection from %s", ErrHostAlreadyAttached, conn.RemoteAddr()))
		conn.Close()
		return
	}
	he.conn = conn
	atomic.StoreInt32(&he.state, int32(hostConnected))
	he.mu.Unlock()

	log.Infof("[host] emulator attached from %s", conn.RemoteAddr())
	he.hub.HostAttached()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		he.writerLoop(conn)
	}()

	he.readerLoop(conn)

	he.mu.Lock()
	he.conn = nil
	atomic.StoreInt32(&he.state, int32(hostDisconnected))
	he.mu.Unlock()

	conn.Close()
	wg.Wait()
	he.drainOutbound()
	he.drainSyncOut()
	he.hub.HostDetached()
	log.Infof("[host] emulator detached")
}

func (he *HostEndpoint) readerLoop(conn net.Conn) {
	for {
		msg, err := DecodeHostFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warnf("[host] framing error, closing connection: %v", err)
			}
			return
		}
		switch msg.Event {
		case EventDataByteSync, EventCommandOffSync:
			result := he.hub.HandleHostSync(msg)
			select {
			case he.syncOut <- Message{Event: EventSyncResponse, Param1: result}:
			case <-he.closed:
				return
			}
		default:
			he.hub.HandleHostAsync(msg)
		}
	}
}

// writerLoop is the sole goroutine that ever writes to conn, serializing
// ordinary outbound traffic and SYNC_RESPONSE frames onto the same wire.
func (he *HostEndpoint) writerLoop(conn net.Conn) {
	for {
		var msg Message
		var ok bool
		select {
		case <-he.closed:
			return
		case msg, ok = <-he.syncOut:
		case msg, ok = <-he.outbound:
		}
		if !ok {
			return
		}
		if _, err := conn.Write(EncodeHostFrame(msg)); err != nil {
			log.Warnf("[host] write error, marking connection failed: %v", err)
			conn.Close()
			return
		}
		he.mu.Lock()
		stillThis := he.conn == conn
		he.mu.Unlock()
		if !stillThis {
			return
		}
	}
}

// DeliverAsync enqueues a non-sync event for delivery to the emulator. A
// full queue drops the new message with a log line rather than blocking.
func (he *HostEndpoint) DeliverAsync(msg Message) {
	select {
	case he.outbound <- msg:
	default:
		log.Warnf("[host] %v", fmt.Errorf("%w: %s", ErrQueueFull, msg.Event))
	}
}

func (he *HostEndpoint) Len() int {
	return len(he.outbound)
}

func (he *HostEndpoint) Attached() bool {
	return hostState(atomic.LoadInt32(&he.state)) == hostConnected
}

func (he *HostEndpoint) drainOutbound() {
	for {
		select {
		case <-he.outbound:
		default:
			return
		}
	}
}

func (he *HostEndpoint) drainSyncOut() {
	select {
	case <-he.syncOut:
	default:
	}
}
