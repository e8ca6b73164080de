// Package dispatch sends one message to many recipients, strictly one at a
// time.
//
// Pacing
//
// Between two sends the loop waits a cooldown chosen by DelayFor: the base
// delay, raised to the longest tier that matches the running sent count
// ("every 10", "milestone 100", ...). Tiers are never summed and no cooldown
// follows the last recipient.
//
// Control
//
// Each job owns a Control. Pause takes effect before the next send, Resume
// continues from the same recipient, and Stop ends the job before the next
// send or in the middle of a cooldown. A send already in flight always runs
// to its outcome, which is counted.
//
// Accounting
//
// Groups count as their member count; individuals count as one. A failed
// send is recorded with its reason and the job moves on; nothing is retried.
// When a job is stopped its total shrinks to what was attempted, so the
// completion signal fires exactly once either way.
package dispatch
