package rendezvous

import (
	"github.com/pkg/errors"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// Outcome is what a requester record currently says about a posted request.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConnected
	OutcomeInvalidated
	OutcomeRejected
)

// Request is the kind-specific half of a connection attempt.
type Request interface {
	// Post writes the request into the claimed remote slot and returns the
	// handle of its final write.
	Post(slot ga.Address) (ga.Handle, error)
	// Outcome inspects the local requester record.
	Outcome() Outcome
	// Reset clears an invalidation so the request can claim again.
	Reset()
}

// State is the lifecycle position of an Attempt.
type State int

const (
	StateIdle State = iota
	StateClaiming
	StateAwaitingRoom
	StatePosted
	StateConnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateAwaitingRoom:
		return "awaiting_room"
	case StatePosted:
		return "posted"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event reports what a Step changed.
type Event int

const (
	EventNone Event = iota
	EventClaimed
	EventPosted
	EventInvalidated
	EventConnected
	EventRejected
)

// Scratch names two local words the attempt uses as destinations for the
// remote head read and the tail fetch-and-add.
type Scratch struct {
	Region  *ga.Region
	Head    uint64
	Ordinal uint64
}

// Attempt drives one connection request into a peer's rendezvous queue:
// claim an ordinal, wait for room, post, then poll the requester record until
// it is matched, rejected, or invalidated (in which case it claims again).
type Attempt struct {
	proc    *ga.Process
	peer    int
	queue   wire.Queue
	scratch Scratch
	req     Request

	state    State
	ordinal  uint64
	head     uint64
	handle   ga.Handle
	restarts int
}

// NewAttempt prepares an attempt toward peer's queue. Nothing is issued until
// the first Step.
func NewAttempt(proc *ga.Process, peer int, queue wire.Queue, scratch Scratch, req Request) (*Attempt, error) {
	if proc == nil || scratch.Region == nil || req == nil {
		return nil, errors.New("attempt requires a process, scratch region and request")
	}
	if peer < 0 || peer >= proc.Size() {
		return nil, errors.Errorf("peer rank %d out of range", peer)
	}
	return &Attempt{proc: proc, peer: peer, queue: queue, scratch: scratch, req: req}, nil
}

// Peer returns the target rank.
func (a *Attempt) Peer() int { return a.peer }

// State returns the current lifecycle state.
func (a *Attempt) State() State { return a.state }

// Ordinal returns the most recently claimed queue ordinal.
func (a *Attempt) Ordinal() uint64 { return a.ordinal }

// Restarts returns how many times the attempt was invalidated and re-claimed.
func (a *Attempt) Restarts() int { return a.restarts }

// Done reports whether the attempt reached a terminal state.
func (a *Attempt) Done() bool {
	return a.state == StateConnected || a.state == StateRejected
}

// Step advances the attempt by at most one protocol transition.
func (a *Attempt) Step() (Event, error) {
	switch a.state {
	case StateIdle:
		return EventNone, a.claim()
	case StateClaiming:
		done, err := a.proc.Inquire(a.handle)
		if err != nil || !done {
			return EventNone, errors.WithStack(err)
		}
		a.ordinal = a.scratch.Region.Uint64(a.scratch.Ordinal)
		a.head = a.scratch.Region.Uint64(a.scratch.Head)
		if a.hasRoom() {
			return a.post()
		}
		a.state = StateAwaitingRoom
		return EventClaimed, a.refetchHead()
	case StateAwaitingRoom:
		done, err := a.proc.Inquire(a.handle)
		if err != nil || !done {
			return EventNone, errors.WithStack(err)
		}
		a.head = a.scratch.Region.Uint64(a.scratch.Head)
		if a.hasRoom() {
			return a.post()
		}
		return EventNone, a.refetchHead()
	case StatePosted:
		switch a.req.Outcome() {
		case OutcomeConnected:
			a.state = StateConnected
			return EventConnected, nil
		case OutcomeRejected:
			a.state = StateRejected
			return EventRejected, nil
		case OutcomeInvalidated:
			a.req.Reset()
			a.restarts++
			a.state = StateIdle
			return EventInvalidated, nil
		}
	}
	return EventNone, nil
}

func (a *Attempt) remote(off uint64) ga.Address {
	return a.proc.BootstrapAddress(a.peer).Add(off)
}

// claim reads the remote head and fetch-adds the remote tail. Both operations
// come from this process, so the head read executes before the increment.
func (a *Attempt) claim() error {
	if _, err := a.proc.Copy(a.scratch.Region.Address(a.scratch.Head), a.remote(a.queue.Head), wire.WordSize, ga.HandleNone); err != nil {
		return errors.Wrap(err, "read remote queue head")
	}
	h, err := a.proc.Add8(a.scratch.Region.Address(a.scratch.Ordinal), a.remote(a.queue.Tail), 1)
	if err != nil {
		return errors.Wrap(err, "claim remote queue ordinal")
	}
	a.handle = h
	a.state = StateClaiming
	return nil
}

func (a *Attempt) refetchHead() error {
	h, err := a.proc.Copy(a.scratch.Region.Address(a.scratch.Head), a.remote(a.queue.Head), wire.WordSize, ga.HandleNone)
	if err != nil {
		return errors.Wrap(err, "refresh remote queue head")
	}
	a.handle = h
	return nil
}

func (a *Attempt) hasRoom() bool {
	return a.ordinal-a.head < a.queue.Capacity
}

func (a *Attempt) post() (Event, error) {
	h, err := a.req.Post(a.remote(a.queue.SlotOffset(a.ordinal)))
	if err != nil {
		return EventNone, errors.Wrapf(err, "post request at ordinal %d", a.ordinal)
	}
	a.handle = h
	a.state = StatePosted
	return EventPosted, nil
}
