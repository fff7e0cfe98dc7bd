package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the process has already been closed.
	ErrClosed = errors.New("gacomm: closed")
	// ErrFull indicates that a segmented buffer has no free segment to ack.
	ErrFull = errors.New("gacomm: segmented buffer full")
	// ErrEmpty indicates that a segmented buffer has no filled segment to ready.
	ErrEmpty = errors.New("gacomm: segmented buffer empty")
	// ErrNotConnected indicates that an endpoint has not finished connecting.
	ErrNotConnected = errors.New("gacomm: endpoint not connected")
	// ErrDisconnected indicates that an endpoint has been disconnected.
	ErrDisconnected = errors.New("gacomm: endpoint disconnected")
	// ErrConfigMismatch indicates that two would-be peers disagree on fixed
	// channel parameters. It is not transient.
	ErrConfigMismatch = errors.New("gacomm: peer configuration mismatch")
	// ErrPayloadTooLarge indicates that a payload exceeds the message header capacity.
	ErrPayloadTooLarge = errors.New("gacomm: payload too large")
	// ErrInvalidPeer indicates a peer rank outside the world.
	ErrInvalidPeer = errors.New("gacomm: invalid peer rank")
)

// IsTransient reports whether err is an expected "not ready" condition the
// caller may retry after further progress.
func IsTransient(err error) bool {
	return errors.Is(err, ErrFull) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrNotConnected)
}

// ConfigMismatchError reports the parameters that disagreed during a channel
// handshake.
type ConfigMismatchError struct {
	Peer   int
	Local  ChannelParams
	Remote ChannelParams
}

func (e ConfigMismatchError) Error() string {
	return fmt.Sprintf("gacomm: channel parameters disagree with rank %d: local %+v remote %+v", e.Peer, e.Local, e.Remote)
}

// Unwrap allows errors.Is to match ErrConfigMismatch.
func (e ConfigMismatchError) Unwrap() error {
	return ErrConfigMismatch
}
