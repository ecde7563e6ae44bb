// Package manager implements the operator actions on service events:
// creating them, completing or canceling them by hand, and inspecting
// their history. State changes made here take the same row lock as the
// poller, so an event is never advanced and completed at the same time.
package manager
