// Package reactor provides a single-threaded, readiness-based event loop.
//
// A Reactor multiplexes three kinds of watchers: file descriptor readiness,
// one-shot timers, and child process termination. Callbacks run sequentially
// on the goroutine that calls Run; none of the watcher methods are safe for
// concurrent use. Post and Stop are the only entry points that may be called
// from other goroutines, and are the way work is handed to a running loop.
//
// Descriptor readiness is level-triggered and backed by epoll, so the package
// is only available on Linux. Child termination is observed by a helper
// goroutine blocked in wait4(2) for the specific pid; it hands the wait status
// back to the loop through Post and never runs user code itself.
package reactor
