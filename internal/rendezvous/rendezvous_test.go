package rendezvous

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/gacomm-go/ga"
	"github.com/rocketbitz/gacomm-go/internal/wire"
)

// record layout used by the test requester: [state][identity][scratch head][scratch ordinal]
const (
	recState    = 0
	recIdentity = 8
	recHead     = 16
	recOrdinal  = 24
	recSize     = 32
)

type testRequest struct {
	proc   *ga.Process
	record *ga.Region
}

func newTestRequest(t *testing.T, proc *ga.Process) *testRequest {
	t.Helper()
	r, err := proc.Register(recSize)
	require.NoError(t, err)
	r.PutUint64(recIdentity, uint64(r.Address(recState)))
	return &testRequest{proc: proc, record: r}
}

func (r *testRequest) Post(slot ga.Address) (ga.Handle, error) {
	return r.proc.Copy(slot, r.record.Address(recIdentity), wire.WordSize, ga.HandleNone)
}

func (r *testRequest) Outcome() Outcome {
	switch r.record.Uint64(recState) {
	case wire.StateConnected:
		return OutcomeConnected
	case wire.StateInvalidated:
		return OutcomeInvalidated
	case wire.StateRejected:
		return OutcomeRejected
	}
	return OutcomePending
}

func (r *testRequest) Reset() {
	r.record.PutUint64(recState, wire.StatePending)
}

func (r *testRequest) scratch() Scratch {
	return Scratch{Region: r.record, Head: recHead, Ordinal: recOrdinal}
}

type testHandler struct {
	proc    *ga.Process
	scratch *ga.Region
	accept  bool
	matched []ga.Address
	evicted []ga.Address
}

func (h *testHandler) reply(slot []byte, state uint64) (ga.Address, error) {
	target := ga.Address(binary.LittleEndian.Uint64(slot))
	hd, err := h.proc.Swap8(h.scratch.Address(0), target, state)
	if err != nil {
		return target, err
	}
	return target, h.proc.Complete(hd)
}

func (h *testHandler) Match(_ uint64, slot []byte) (Disposition, error) {
	if !h.accept {
		return Unmatched, nil
	}
	target, err := h.reply(slot, wire.StateConnected)
	h.matched = append(h.matched, target)
	return Matched, err
}

func (h *testHandler) Evict(slot []byte) error {
	target, err := h.reply(slot, wire.StateInvalidated)
	h.evicted = append(h.evicted, target)
	return err
}

type harness struct {
	world   *ga.World
	queue   wire.Queue
	scanner *Scanner
	handler *testHandler
}

func newHarness(t *testing.T, ranks, capacity int, compact bool) *harness {
	t.Helper()
	w, err := ga.NewWorld(ga.WithRanks(ranks), ga.WithSynchronous())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	layout, err := wire.NewBootstrap(capacity, 1)
	require.NoError(t, err)

	server := w.Process(0)
	scanner, err := NewScanner(server.Bootstrap(), layout.Segment, compact)
	require.NoError(t, err)
	scratch, err := server.Register(8)
	require.NoError(t, err)
	return &harness{
		world:   w,
		queue:   layout.Segment,
		scanner: scanner,
		handler: &testHandler{proc: server, scratch: scratch},
	}
}

func (h *harness) attempt(t *testing.T, rank int) (*Attempt, *testRequest) {
	t.Helper()
	proc := h.world.Process(rank)
	req := newTestRequest(t, proc)
	a, err := NewAttempt(proc, 0, h.queue, req.scratch(), req)
	require.NoError(t, err)
	return a, req
}

func step(t *testing.T, a *Attempt, want Event) {
	t.Helper()
	ev, err := a.Step()
	require.NoError(t, err)
	require.Equal(t, want, ev)
}

func TestAttemptMatched(t *testing.T) {
	requireT := require.New(t)
	h := newHarness(t, 2, 2, true)
	h.handler.accept = true

	a, req := h.attempt(t, 1)
	step(t, a, EventNone) // claim issued
	requireT.Equal(StateClaiming, a.State())
	step(t, a, EventPosted)
	requireT.Equal(uint64(0), a.Ordinal())

	res, err := h.scanner.Scan(h.handler)
	requireT.NoError(err)
	requireT.Equal(ScanResult{Matched: 1}, res)
	requireT.Equal([]ga.Address{req.record.Address(recState)}, h.handler.matched)

	step(t, a, EventConnected)
	requireT.True(a.Done())

	mres, err := h.scanner.Maintain(h.handler)
	requireT.NoError(err)
	requireT.Equal(uint64(1), mres.Advanced)
	requireT.Equal(uint64(0), h.scanner.Outstanding())
}

func TestAttemptWaitsForRoom(t *testing.T) {
	requireT := require.New(t)
	h := newHarness(t, 3, 1, false)

	first, _ := h.attempt(t, 1)
	second, _ := h.attempt(t, 2)

	step(t, first, EventNone)
	step(t, first, EventPosted)

	step(t, second, EventNone)
	step(t, second, EventClaimed)
	requireT.Equal(StateAwaitingRoom, second.State())
	requireT.Equal(uint64(1), second.Ordinal())
	step(t, second, EventNone)
	requireT.Equal(StateAwaitingRoom, second.State())

	h.handler.accept = true
	res, err := h.scanner.Scan(h.handler)
	requireT.NoError(err)
	requireT.Equal(1, res.Matched)
	_, err = h.scanner.Maintain(h.handler)
	requireT.NoError(err)

	// The head read issued before maintenance is stale; the next one sees room.
	step(t, second, EventNone)
	step(t, second, EventPosted)
	res, err = h.scanner.Scan(h.handler)
	requireT.NoError(err)
	requireT.Equal(1, res.Matched)
	step(t, first, EventConnected)
	step(t, second, EventConnected)
}

func TestEvictionInvalidatesAndRetries(t *testing.T) {
	requireT := require.New(t)
	h := newHarness(t, 2, 1, false)

	a, req := h.attempt(t, 1)
	step(t, a, EventNone)
	step(t, a, EventPosted)

	// No scan has flagged the entry yet, so a full queue alone does not evict.
	mres, err := h.scanner.Maintain(h.handler)
	requireT.NoError(err)
	requireT.False(mres.Evicted)

	res, err := h.scanner.Scan(h.handler)
	requireT.NoError(err)
	requireT.Equal(1, res.Unmatched)

	mres, err = h.scanner.Maintain(h.handler)
	requireT.NoError(err)
	requireT.True(mres.Evicted)
	requireT.Equal([]ga.Address{req.record.Address(recState)}, h.handler.evicted)
	requireT.Equal(uint64(1), h.scanner.Head())

	step(t, a, EventInvalidated)
	requireT.Equal(1, a.Restarts())
	requireT.Equal(OutcomePending, req.Outcome())

	step(t, a, EventNone)
	step(t, a, EventPosted)
	requireT.Equal(uint64(1), a.Ordinal())

	h.handler.accept = true
	res, err = h.scanner.Scan(h.handler)
	requireT.NoError(err)
	requireT.Equal(1, res.Matched)
	step(t, a, EventConnected)
}

func TestEvictionNeedsFullQueue(t *testing.T) {
	h := newHarness(t, 2, 2, false)
	a, _ := h.attempt(t, 1)
	step(t, a, EventNone)
	step(t, a, EventPosted)

	_, err := h.scanner.Scan(h.handler)
	require.NoError(t, err)
	mres, err := h.scanner.Maintain(h.handler)
	require.NoError(t, err)
	require.False(t, mres.Evicted)
	require.Empty(t, h.handler.evicted)
}

func TestCompactionSqueezesResolvedSlots(t *testing.T) {
	requireT := require.New(t)
	h := newHarness(t, 2, 4, true)
	boot := h.world.Process(0).Bootstrap()

	// Ordinals 0..3: present, resolved, present, resolved.
	boot.PutUint64(h.queue.Tail, 4)
	boot.PutUint64(h.queue.SlotOffset(0), 0xa<<32)
	boot.PutUint64(h.queue.SlotOffset(1), wire.SlotResolved)
	boot.PutUint64(h.queue.SlotOffset(2), 0xb<<32)
	boot.PutUint64(h.queue.SlotOffset(3), wire.SlotResolved)

	mres, err := h.scanner.Maintain(h.handler)
	requireT.NoError(err)
	requireT.Equal(uint64(2), mres.Advanced)
	requireT.Equal(2, mres.Compacted)
	requireT.Equal(uint64(2), h.scanner.Head())
	requireT.Equal(uint64(0), boot.Uint64(h.queue.SlotOffset(0)))
	requireT.Equal(uint64(0), boot.Uint64(h.queue.SlotOffset(1)))
	requireT.Equal(uint64(0xa<<32), boot.Uint64(h.queue.SlotOffset(2)))
	requireT.Equal(uint64(0xb<<32), boot.Uint64(h.queue.SlotOffset(3)))
}

func TestScanStopsAtFirstEmptySlot(t *testing.T) {
	h := newHarness(t, 2, 4, false)
	h.handler.accept = true
	boot := h.world.Process(0).Bootstrap()

	target := newTestRequest(t, h.world.Process(1))
	boot.PutUint64(h.queue.Tail, 3)
	boot.PutUint64(h.queue.SlotOffset(1), uint64(target.record.Address(recState)))

	res, err := h.scanner.Scan(h.handler)
	require.NoError(t, err)
	require.Equal(t, ScanResult{}, res)
	require.Empty(t, h.handler.matched)
}

func TestPeerQueuesActivateInOrder(t *testing.T) {
	requireT := require.New(t)
	q := NewPeerQueues[string]()
	requireT.True(q.Push(2, "a"))
	requireT.False(q.Push(2, "b"))
	requireT.True(q.Push(1, "c"))
	requireT.Equal([]int{1, 2}, q.Peers())
	requireT.Equal(3, q.Len())

	v, ok := q.Front(2)
	requireT.True(ok)
	requireT.Equal("a", v)

	v, ok = q.Pop(2)
	requireT.True(ok)
	requireT.Equal("a", v)
	v, _ = q.Front(2)
	requireT.Equal("b", v)

	_, _ = q.Pop(2)
	_, ok = q.Front(2)
	requireT.False(ok)
	requireT.Equal([]int{1}, q.Peers())
}
