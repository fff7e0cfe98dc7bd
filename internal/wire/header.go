package wire

import (
	"github.com/creachadair/mds/value"
	"github.com/pkg/errors"
)

// Tag distinguishes eager data from the disconnect marker in a message header.
type Tag uint8

const (
	TagEager      Tag = 0
	TagDisconnect Tag = 1
)

const (
	tagShift = 62
	// MaxLength is the largest message length a header can carry.
	MaxLength = 1<<tagShift - 1
)

func (t Tag) String() string {
	return value.Cond(t == TagDisconnect, "disconnect", "eager")
}

// PackHeader packs tag into the high bits of the residual message length.
func PackHeader(tag Tag, residual uint64) (uint64, error) {
	if residual > MaxLength {
		return 0, errors.Errorf("message length %d exceeds header capacity", residual)
	}
	if tag > TagDisconnect {
		return 0, errors.Errorf("unknown message tag %d", tag)
	}
	return uint64(tag)<<tagShift | residual, nil
}

// UnpackHeader splits a header word into its tag and residual length.
func UnpackHeader(word uint64) (Tag, uint64) {
	return Tag(word >> tagShift), word & MaxLength
}

// ChunkLength returns the number of payload bytes carried by a slot whose
// header holds residual, and whether that slot ends the message.
func ChunkLength(residual, capacity uint64) (uint64, bool) {
	if residual <= capacity {
		return residual, true
	}
	return capacity, false
}
