// Package inbound coalesces bursts of message fragments into one message per
// sender.
//
// Every fragment restarts the sender's idle window. When the window elapses
// without a new fragment, or the sender's buffer reaches its cap, the
// fragments are ordered by arrival time, joined with single spaces and
// handed to the Consumer exactly once. Senders never share a buffer.
package inbound
