// Package wire defines the fixed byte layouts shared between ranks: the
// bootstrap request queues, channel descriptors, segmented-buffer control
// blocks, channel endpoint regions and the message header word. All words are
// little-endian and 8 bytes wide; every rank is assumed to run the same binary.
package wire
