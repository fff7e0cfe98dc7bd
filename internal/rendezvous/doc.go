// Package rendezvous implements the bounded request-queue protocol processes
// use to exchange endpoint addresses.
//
// A requester claims an ordinal in the target's queue with a fetch-and-add on
// the remote tail, waits until the ordinal falls within capacity of the remote
// head, and then writes its request into the slot. The target scans its queue
// in ordinal order, matches entries against its own pending requests, and
// reclaims resolved slots. When the queue is full and the oldest entry went
// unmatched for a whole scan, the target evicts it and marks the requester's
// record invalidated; the requester then claims again from scratch.
package rendezvous
