package netsio

import "time"

// Message is a single NetSIO/custom-device protocol unit: an event id plus
// a variable-length argument. Param1/Param2/WireTimestamp only carry
// meaning for messages that crossed the host TCP wire, where the emulator's
// own 17-byte header supplies them; CapturedAt is stamped locally by
// whichever endpoint first saw the message, for latency diagnostics.
type Message struct {
	Event         Event
	Arg           []byte
	Param1        uint32
	Param2        uint32
	WireTimestamp uint64
	CapturedAt    time.Time
}

// WithSerial returns a copy of m with sn appended to Arg, used when the Hub
// tags a sync-bearing outbound message so peripherals can correlate their
// SYNC_RESPONSE.
func (m Message) WithSerial(sn uint8) Message {
	arg := make([]byte, len(m.Arg)+1)
	copy(arg, m.Arg)
	arg[len(m.Arg)] = sn
	m.Arg = arg
	return m
}
