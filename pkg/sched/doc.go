// Package sched provides a bounded-concurrency task scheduler.
//
// A Scheduler admits at most Concurrency tasks to run simultaneously,
// retries failed work up to MaxRetries times, supports pausing and resuming
// admission, and supports global cancellation that aborts in-flight and
// queued work through per-task cancellation contexts.
//
// The scheduler is responsible only for:
//   - admitting queued tasks under the concurrency limit (FIFO, retries at
//     the back of the queue)
//   - tracking every task from submission to its terminal outcome
//   - re-queueing retryable failures until the retry budget is spent
//   - sweeping all outstanding tasks on Cancel
//
// Work functions are opaque: the scheduler never interprets what they do,
// and builds in no timeouts. A work function that needs one must wrap its
// own context. Cancellation is cooperative; a work function that ignores
// its context runs to natural completion and its result is discarded.
package sched
