// Package scheduler drains the scheduled post queue. Each tick claims the
// batch of due pending posts, delivers them through destination plugins,
// and settles the outcome: completion (spawning the next occurrence for
// recurring posts), an exponentially delayed retry, or terminal failure
// once the error is permanent or the retry budget is spent.
package scheduler
