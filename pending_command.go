package netsio

// sioState is the reconstruction state of a PendingSioCommand as the
// emulator's three-event SIO command sequence arrives.
type sioState int

const (
	sioEmpty sioState = iota
	sioHaveDevice
	sioHaveFrame
)

// PendingSioCommand reassembles the COMMAND_ON -> DATA_BLOCK -> COMMAND_OFF_SYNC
// sequence purely for logging and context validation; every piece is still
// forwarded to peripherals verbatim the instant the Hub sees it.
type PendingSioCommand struct {
	state    sioState
	deviceID uint32
	command  byte
	aux1     byte
	aux2     byte
	checksum byte
}

func (p *PendingSioCommand) reset() {
	*p = PendingSioCommand{}
}

// onCommandOn records the device id addressed by a new SIO command.
func (p *PendingSioCommand) onCommandOn(deviceID uint32) {
	p.reset()
	p.deviceID = deviceID
	p.state = sioHaveDevice
}

// onDataBlock records the three-byte {cmd, aux1, aux2} frame. Any mismatch
// with the expected state resets reconstruction to empty.
func (p *PendingSioCommand) onDataBlock(arg []byte) bool {
	if p.state != sioHaveDevice || len(arg) != 3 {
		p.reset()
		return false
	}
	p.command, p.aux1, p.aux2 = arg[0], arg[1], arg[2]
	p.state = sioHaveFrame
	return true
}

// onCommandOffSync consumes the checksum byte, completing the frame. It
// returns false (and resets) if COMMAND_OFF_SYNC arrived out of context.
func (p *PendingSioCommand) onCommandOffSync(checksum byte) bool {
	if p.state != sioHaveFrame {
		p.reset()
		return false
	}
	p.checksum = checksum
	ok := true
	p.reset()
	return ok
}

// onUnexpected clears reconstruction state on any host event that doesn't
// belong to the command sequence (resets, DATA_BYTE_SYNC, ...).
func (p *PendingSioCommand) onUnexpected() {
	p.reset()
}
