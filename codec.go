package netsio

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// HostHeaderSize is the fixed 17-byte header the emulator and hub exchange
// on the TCP custom-device connection: <event:u8><param1:u32 LE><param2:u32 LE><timestamp:u64 LE>.
const HostHeaderSize = 1 + 4 + 4 + 8

// EmptySyncResult is returned to the emulator for a sync request that
// completes with no meaningful peripheral response (no peripheral
// registered, a timeout, or an explicit empty SYNC_RESPONSE). The source
// protocol is inconsistent about whether this should be tagged with the
// SYNC_RESPONSE event id (0x81) or left as a bare zero; this implementation
// picks the bare zero, see DESIGN.md.
const EmptySyncResult uint32 = 0x00000000

// hostInboundPayloadLen returns how many payload bytes follow the header
// for a message read from the emulator, given its event id and param2.
// DATA_BYTE_SYNC carries the same one-byte payload as COMMAND_OFF_SYNC:
// both are sync events that block the emulator for a single response.
// SYNC_RESPONSE, which only the hub sends, has no payload; it is listed so
// the same decoder can read the hub's replies.
func hostInboundPayloadLen(event Event, param2 uint32) (int, bool) {
	switch event {
	case EventNone, EventCommandOn, EventWarmReset, EventColdReset, EventSpeedChange, EventSyncResponse:
		return 0, true
	case EventDataBlock:
		return int(param2), true
	case EventCommandOffSync, EventDataByteSync:
		return 1, true
	default:
		return 0, false
	}
}

// DecodeHostFrame reads one frame from the emulator connection.
func DecodeHostFrame(r io.Reader) (Message, error) {
	var header [HostHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrFramingShortHeader, err)
	}
	msg := Message{
		Event:         Event(header[0]),
		Param1:        binary.LittleEndian.Uint32(header[1:5]),
		Param2:        binary.LittleEndian.Uint32(header[5:9]),
		WireTimestamp: binary.LittleEndian.Uint64(header[9:17]),
		CapturedAt:    time.Now(),
	}
	payloadLen, ok := hostInboundPayloadLen(msg.Event, msg.Param2)
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrFramingUnknownEvent, header[0])
	}
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrFramingShortPayload, err)
		}
		msg.Arg = payload
	}
	return msg, nil
}

// EncodeHostFrame serializes a hub-to-emulator message. Only DATA_BYTE,
// DATA_BLOCK and SYNC_RESPONSE are ever sent in this direction.
func EncodeHostFrame(msg Message) []byte {
	var header [HostHeaderSize]byte
	header[0] = byte(msg.Event)
	param1 := msg.Param1
	param2 := msg.Param2
	if msg.Event == EventDataBlock {
		param2 = uint32(len(msg.Arg))
	}
	binary.LittleEndian.PutUint32(header[1:5], param1)
	binary.LittleEndian.PutUint32(header[5:9], param2)
	binary.LittleEndian.PutUint64(header[9:17], msg.WireTimestamp)
	out := make([]byte, 0, HostHeaderSize+len(msg.Arg))
	out = append(out, header[:]...)
	if msg.Event == EventDataByte || msg.Event == EventDataBlock {
		out = append(out, msg.Arg...)
	}
	return out
}

// DecodeDatagram reads one NetSIO UDP datagram: a single event byte
// followed by the argument.
func DecodeDatagram(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrFramingShortDatagram
	}
	msg := Message{Event: Event(data[0]), CapturedAt: time.Now()}
	if len(data) > 1 {
		arg := make([]byte, len(data)-1)
		copy(arg, data[1:])
		msg.Arg = arg
	}
	return msg, nil
}

// EncodeDatagram serializes a message for the peripheral UDP wire.
func EncodeDatagram(msg Message) []byte {
	out := make([]byte, 0, 1+len(msg.Arg))
	out = append(out, byte(msg.Event))
	out = append(out, msg.Arg...)
	return out
}

// PackSyncResult builds the 32-bit value the emulator receives as Param1 of
// a SYNC_RESPONSE host frame: bits 0-7 the SYNC_RESPONSE event tag, bits
// 8-15 the SIO ack byte, bits 16-31 the anticipated next-write size (LE).
func PackSyncResult(ack byte, nextWriteSize uint16) uint32 {
	return uint32(EventSyncResponse) | uint32(ack)<<8 | uint32(nextWriteSize)<<16
}
