package wire

import "github.com/pkg/errors"

// Connection states stored in the state word of a requester record. The peer
// writes them; the owner only resets Invalidated back to Pending.
const (
	StatePending      uint64 = 0
	StateConnected    uint64 = 1
	StateInvalidated  uint64 = 2
	StateDisconnected uint64 = 3
	StateRejected     uint64 = 4
)

// Control is the layout of a segmented-buffer control block. Segments is the
// number of ring slots; the block ends with one tail cell per slot so every
// tail propagation copies a value that no later ack can overwrite before the
// copy executes.
type Control struct {
	Segments uint64
}

// Offsets within a control block.
const (
	CtrlHead           = 0
	CtrlTail           = 8
	CtrlSent           = 16
	CtrlState          = 24
	CtrlPeerCtrl       = 32
	CtrlPeerData       = 40
	CtrlScratchHead    = 48
	CtrlScratchOrdinal = 56
	// CtrlSelfCtrl and CtrlSelfData are adjacent so a matching destination can
	// publish both addresses into the source's PeerCtrl/PeerData with one copy.
	CtrlSelfCtrl       = 64
	CtrlSelfData       = 72
	CtrlDisconnectCell = 80
	CtrlConnectedCell  = 88
	CtrlSwapScratch    = 96
	ctrlTailCells      = 104
)

// NewControl returns the control block layout for a ring of segments slots.
func NewControl(segments int) (Control, error) {
	if segments <= 0 {
		return Control{}, errors.Errorf("segment count must be positive, got %d", segments)
	}
	return Control{Segments: uint64(segments)}, nil
}

// TailCell returns the offset of the cell used to publish tail value t.
func (c Control) TailCell(t uint64) uint64 {
	return ctrlTailCells + ((t-1)%c.Segments)*WordSize
}

// Size returns the byte size of the control block.
func (c Control) Size() int {
	return int(ctrlTailCells + c.Segments*WordSize)
}
