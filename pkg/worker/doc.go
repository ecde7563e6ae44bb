// Package worker runs the poller on a fixed schedule and serves a small
// admin API next to it.
//
// The schedule is a robfig/cron "@every" entry with SkipIfStillRunning, so
// a slow pass delays the next one instead of overlapping it. The admin API
// exposes health, Prometheus metrics, the open events and the registered
// workflows.
package worker
