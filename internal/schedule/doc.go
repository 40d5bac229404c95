// Package schedule contains the execution pipeline: the reconciler sweeps due
// orders into a trigger queue, the processor fans them out to workers, and the
// executor drives a single occurrence from quote to accounting. At-most-once
// submission per occurrence is enforced by the store lease; the queue drivers
// are deliberately at-least-once and never requeue on handler failure.
package schedule
