// Package filewatch bridges OS file notification events into cell
// invalidations with causal ordering. It owns the flush protocol (a sentinel
// file round-trip that establishes "every event before this point has been
// observed"), the cookie variant for request-scoped ordering, and the
// glob-to-watch-set minimization handed to the underlying notify backend.
package filewatch
