package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/gacomm-go/internal/arena"
)

// RequestKind identifies the channel operation tracked by a Request.
type RequestKind int

const (
	RequestSend RequestKind = iota
	RequestReceive
	RequestDisconnect
)

func (k RequestKind) String() string {
	switch k {
	case RequestSend:
		return "send"
	case RequestReceive:
		return "receive"
	case RequestDisconnect:
		return "disconnect"
	default:
		return "request"
	}
}

// Request tracks one outstanding channel operation. It finishes only through
// progress, so callers must Wait on it or Test it until done.
type Request struct {
	p      *Process
	ch     *Channel
	kind   RequestKind
	buf    []byte
	offset int
	handle arena.Handle

	done bool
	n    int
	err  error
}

func (p *Process) newRequest(ch *Channel, kind RequestKind, buf []byte) (*Request, error) {
	r := &Request{p: p, ch: ch, kind: kind, buf: buf}
	h, err := p.requests.Alloc(r)
	if err != nil {
		return nil, fmt.Errorf("gacomm: %s request: %w", kind, err)
	}
	r.handle = h
	return r, nil
}

// finish records the outcome and returns the request record to the pool.
func (r *Request) finish(n int, err error) {
	if r.done {
		return
	}
	r.done = true
	r.n = n
	r.err = err
	r.p.requests.Free(r.handle)
	r.handle = 0
}

// Kind returns the operation type.
func (r *Request) Kind() RequestKind {
	return r.kind
}

// Test runs one progress round and reports whether the request finished.
func (r *Request) Test() (bool, error) {
	if r == nil {
		return false, errors.New("gacomm: nil request")
	}
	return r.p.step(r.result)
}

// Wait blocks until the request finishes or the context ends.
func (r *Request) Wait(ctx context.Context) (err error) {
	if r == nil {
		return errors.New("gacomm: nil request")
	}
	p := r.p
	span := p.startSpan("gacomm.channel.wait", logKV("operation", r.kind), logKV(labelPeer, r.ch.peer))
	defer func() { finishSpan(span, err) }()
	return p.poll(ctx, r.result)
}

// Len returns the number of payload bytes moved: the message length for a
// send, the bytes copied into the buffer for a receive.
func (r *Request) Len() int {
	if r == nil {
		return 0
	}
	r.p.lock.Lock()
	defer r.p.lock.Unlock()
	return r.n
}

func (r *Request) result() (bool, error) {
	if !r.done {
		return false, nil
	}
	return true, r.err
}

// WaitAll blocks until every request finishes and joins their errors.
func (p *Process) WaitAll(ctx context.Context, reqs ...*Request) (err error) {
	span := p.startSpan("gacomm.channel.wait_all", logKV("requests", len(reqs)))
	defer func() { finishSpan(span, err) }()
	err = p.poll(ctx, func() (bool, error) {
		for _, r := range reqs {
			if r != nil && !r.done {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	errs := make([]error, 0, len(reqs))
	for _, r := range reqs {
		if r != nil && r.err != nil {
			errs = append(errs, fmt.Errorf("%s request: %w", r.kind, r.err))
		}
	}
	return errors.Join(errs...)
}
