package netsio

import "errors"

var (
	ErrFramingShortHeader   = errors.New("short read on 17-byte host frame header")
	ErrFramingShortPayload  = errors.New("short read on host frame payload")
	ErrFramingUnknownEvent  = errors.New("unknown event id in host frame header")
	ErrFramingShortDatagram = errors.New("udp datagram shorter than one event byte")
	ErrHostNotAttached      = errors.New("no emulator connection attached")
	ErrHostAlreadyAttached  = errors.New("emulator connection already attached")
	ErrQueueFull            = errors.New("outbound queue full, message dropped")
	ErrNoPeripheral         = errors.New("no peripheral registered")
	ErrListenHost           = errors.New("failed to listen for emulator connection")
	ErrListenPeripheral     = errors.New("failed to bind peripheral udp socket")
)
