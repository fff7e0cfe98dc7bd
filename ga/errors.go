package ga

import "errors"

var (
	// ErrInvalidAddress indicates that a global address does not name registered memory.
	ErrInvalidAddress = errors.New("ga: invalid global address")
	// ErrNotLocal indicates that an operand which must be local to the caller is remote.
	ErrNotLocal = errors.New("ga: address is not local to the calling process")
	// ErrOutOfBounds indicates that an access extends past the end of a registered region.
	ErrOutOfBounds = errors.New("ga: access exceeds registered region")
	// ErrUnaligned indicates that an atomic operand is not naturally aligned.
	ErrUnaligned = errors.New("ga: unaligned atomic operand")
	// ErrClosed indicates that the world or process has been shut down.
	ErrClosed = errors.New("ga: closed")
	// ErrUnknownHandle indicates that a completion handle was never issued by this process.
	ErrUnknownHandle = errors.New("ga: completion handle not issued")
)

// ErrInvalidHandle reports use of a nil or released resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}
