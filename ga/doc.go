// Package ga provides the one-sided communication substrate: a global address
// space shared by the ranks of a World, memory registration, and asynchronous
// copy and atomic operations tracked by completion handles.
//
// Every process executes the operations it issues strictly in issue order, so
// a handle names a prefix of the issued operations. Waiting on a handle with
// Complete, Wait or Inquire therefore also covers every earlier operation, and
// two operations issued back to back by one process reach their destinations
// in that order.
package ga
