//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/gacomm-go/comm"
	"github.com/rocketbitz/gacomm-go/ga"
)

func baseConfig() comm.Config {
	return comm.Config{
		SegmentQueueCapacity: 4,
		ChannelQueueCapacity: 4,
		PayloadCapacity:      32,
		ReceiveWindow:        4,
		SendWindow:           4,
		ThreadMode:           comm.ThreadMultiple,
		Timeout:              20 * time.Second,
	}
}

// openWorld starts an asynchronous world and opens one Process per rank.
// cfgFor may adjust the configuration of individual ranks.
func openWorld(t *testing.T, ranks int, cfgFor func(rank int) comm.Config) []*comm.Process {
	t.Helper()
	w, err := ga.NewWorld(ga.WithRanks(ranks))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	procs := make([]*comm.Process, ranks)
	for rank := range ranks {
		p, err := comm.Open(w.Process(rank), cfgFor(rank))
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		procs[rank] = p
	}
	return procs
}

func sameConfig(cfg comm.Config) func(int) comm.Config {
	return func(int) comm.Config { return cfg }
}

func runRanks(t *testing.T, procs []*comm.Process, fn func(ctx context.Context, p *comm.Process) error) {
	t.Helper()
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	for _, p := range procs {
		group.Spawn(fmt.Sprintf("rank-%d", p.Rank()), parallel.Continue, func(ctx context.Context) error {
			return fn(ctx, p)
		})
	}
	require.NoError(t, group.Wait())
}

// Scenario A: 16-byte segments, 4 of them; the fifth ack without a ready
// reports full.
func TestSegmentedBufferFull(t *testing.T) {
	procs := openWorld(t, 2, sameConfig(baseConfig()))
	acked := make(chan struct{})

	runRanks(t, procs, func(ctx context.Context, p *comm.Process) error {
		if p.Rank() == 0 {
			b, err := p.NewSegmentedBuffer(1, comm.RoleSource, 16, 4)
			if err != nil {
				return err
			}
			if err := b.Connect(ctx); err != nil {
				return err
			}
			for i := range 4 {
				if err := b.Ack(); err != nil {
					return fmt.Errorf("ack %d: %w", i, err)
				}
			}
			if err := b.Ack(); !errors.Is(err, comm.ErrFull) {
				return fmt.Errorf("fifth ack: got %v, want %v", err, comm.ErrFull)
			}
			close(acked)
			return b.Free(ctx)
		}

		b, err := p.NewSegmentedBuffer(0, comm.RoleDestination, 16, 4)
		if err != nil {
			return err
		}
		if err := b.Connect(ctx); err != nil {
			return err
		}
		select {
		case <-acked:
		case <-ctx.Done():
			return ctx.Err()
		}
		return b.Free(ctx)
	})
}

// Scenario B: three messages then a disconnect; the receiver's disconnect wait
// completes only after the third payload.
func TestChannelOrderedDisconnect(t *testing.T) {
	procs := openWorld(t, 2, sameConfig(baseConfig()))
	messages := []string{"alpha", "a payload long enough to need two slots of the ring", "gamma"}

	runRanks(t, procs, func(ctx context.Context, p *comm.Process) error {
		if p.Rank() == 0 {
			tx, err := p.NewChannel(1, comm.DirectionSend)
			if err != nil {
				return err
			}
			if err := tx.Connect(ctx); err != nil {
				return err
			}
			for _, m := range messages {
				if _, err := tx.SendAsync([]byte(m)); err != nil {
					return err
				}
			}
			return tx.Free(ctx)
		}

		rx, err := p.NewChannel(0, comm.DirectionReceive)
		if err != nil {
			return err
		}
		if err := rx.Connect(ctx); err != nil {
			return err
		}
		bufs := make([][]byte, len(messages))
		reqs := make([]*comm.Request, 0, len(messages))
		for i := range bufs {
			bufs[i] = make([]byte, 64)
			r, err := rx.ReceiveAsync(bufs[i])
			if err != nil {
				return err
			}
			reqs = append(reqs, r)
		}
		if err := rx.Disconnect(ctx); err != nil {
			return err
		}
		for i, r := range reqs {
			done, err := r.Test()
			if err != nil {
				return err
			}
			if !done {
				return fmt.Errorf("receive %d still pending after disconnect", i)
			}
			if got := string(bufs[i][:r.Len()]); got != messages[i] {
				return fmt.Errorf("message %d: got %q, want %q", i, got, messages[i])
			}
		}
		return rx.Free(ctx)
	})
}

// Scenario C: three sources race for a destination whose queue holds two.
func TestSegmentQueueContention(t *testing.T) {
	cfg := baseConfig()
	cfg.SegmentQueueCapacity = 2
	procs := openWorld(t, 4, sameConfig(cfg))

	runRanks(t, procs, func(ctx context.Context, p *comm.Process) error {
		if p.Rank() != 0 {
			b, err := p.NewSegmentedBuffer(0, comm.RoleSource, 8, 2)
			if err != nil {
				return err
			}
			if err := b.Connect(ctx); err != nil {
				return err
			}
			if err := b.WriteSegment(0, []byte{byte(p.Rank())}); err != nil {
				return err
			}
			if err := b.Ack(); err != nil {
				return err
			}
			return b.Free(ctx)
		}

		var bufs []*comm.SegmentedBuffer
		for peer := 1; peer < p.Size(); peer++ {
			b, err := p.NewSegmentedBuffer(peer, comm.RoleDestination, 8, 2)
			if err != nil {
				return err
			}
			if err := b.ConnectAsync(); err != nil {
				return err
			}
			bufs = append(bufs, b)
		}
		for _, b := range bufs {
			if err := b.Connect(ctx); err != nil {
				return err
			}
			for {
				c, err := b.Counters()
				if err != nil {
					return err
				}
				if c.Tail > 0 {
					break
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			seg, err := b.Segment(0)
			if err != nil {
				return err
			}
			if int(seg[0]) != b.Peer() {
				return fmt.Errorf("segment from rank %d carries %d", b.Peer(), seg[0])
			}
			if err := b.Free(ctx); err != nil {
				return err
			}
		}
		if got := p.Stats().ConnectionsEstablished; got != 3 {
			return fmt.Errorf("established %d connections, want 3", got)
		}
		return nil
	})
}

// Scenario D: mismatched payload capacity fails on first contact.
func TestChannelConfigMismatch(t *testing.T) {
	procs := openWorld(t, 2, func(rank int) comm.Config {
		cfg := baseConfig()
		if rank == 1 {
			cfg.PayloadCapacity *= 2
		}
		return cfg
	})

	runRanks(t, procs, func(ctx context.Context, p *comm.Process) error {
		dir := comm.DirectionSend
		if p.Rank() == 1 {
			dir = comm.DirectionReceive
		}
		c, err := p.NewChannel(1-p.Rank(), dir)
		if err != nil {
			return err
		}
		if err := c.Connect(ctx); !errors.Is(err, comm.ErrConfigMismatch) {
			return fmt.Errorf("rank %d connect: got %v, want %v", p.Rank(), err, comm.ErrConfigMismatch)
		}
		if c.State() != comm.ChannelFailed {
			return fmt.Errorf("rank %d: channel state %s", p.Rank(), c.State())
		}
		return c.Free(ctx)
	})
}

// Every rank exchanges a message with every other rank. Channel queues hold a
// single request, so senders contend for room and ranks that start late see
// their peers' requests evicted and retried.
func TestAllToAllChannels(t *testing.T) {
	const ranks = 6
	cfg := baseConfig()
	cfg.ChannelQueueCapacity = 1
	procs := openWorld(t, ranks, sameConfig(cfg))

	runRanks(t, procs, func(ctx context.Context, p *comm.Process) error {
		var txs, rxs []*comm.Channel
		for peer := range p.Size() {
			if peer == p.Rank() {
				continue
			}
			tx, err := p.NewChannel(peer, comm.DirectionSend)
			if err != nil {
				return err
			}
			rx, err := p.NewChannel(peer, comm.DirectionReceive)
			if err != nil {
				return err
			}
			txs = append(txs, tx)
			rxs = append(rxs, rx)
		}
		all := append(append([]*comm.Channel{}, txs...), rxs...)
		for _, c := range all {
			if err := c.ConnectAsync(); err != nil {
				return err
			}
		}
		for _, c := range all {
			if err := c.Connect(ctx); err != nil {
				return err
			}
		}

		var reqs []*comm.Request
		bufs := make([][]byte, len(rxs))
		for i, tx := range txs {
			r, err := tx.SendAsync([]byte(fmt.Sprintf("%d->%d", p.Rank(), tx.Peer())))
			if err != nil {
				return err
			}
			reqs = append(reqs, r)
			bufs[i] = make([]byte, 16)
			r, err = rxs[i].ReceiveAsync(bufs[i])
			if err != nil {
				return err
			}
			reqs = append(reqs, r)
		}
		if err := p.WaitAll(ctx, reqs...); err != nil {
			return err
		}
		for i, rx := range rxs {
			want := fmt.Sprintf("%d->%d", rx.Peer(), p.Rank())
			if got := string(bufs[i][:reqs[2*i+1].Len()]); got != want {
				return fmt.Errorf("rank %d: got %q, want %q", p.Rank(), got, want)
			}
		}
		// Send ends first: they finish without the peer's cooperation.
		for _, c := range all {
			if err := c.Free(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
