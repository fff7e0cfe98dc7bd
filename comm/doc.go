// Package comm implements segmented buffers and channels on top of the
// one-sided substrate in package ga.
//
// A Process owns two request queues in its bootstrap region, one for
// segmented buffer handshakes and one for channel handshakes. Connections are
// made by posting into the peer's queue and are matched in per-peer FIFO order
// on both sides.
//
// Nothing happens in the background. Every blocking call, Test, and
// Process.Progress drives one or more rounds of the progress engine: pending
// connection attempts, queue maintenance, data transfer, then scans of the
// local queues. With ThreadMultiple the bookkeeping is guarded by a single
// coarse lock; with ThreadSingle the caller must not use a Process from more
// than one goroutine.
//
// A minimal exchange:
//
//	tx, _ := p.NewChannel(1, comm.DirectionSend)
//	if err := tx.Connect(ctx); err != nil { ... }
//	if err := tx.Send(ctx, []byte("hello")); err != nil { ... }
//	_ = tx.Free(ctx)
package comm
