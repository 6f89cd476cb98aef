// Package debugchannel implements the single-slot rendezvous channel
// used to pause a running vCPU thread ("debuggee") from a controller
// thread ("debugger"), hand it a small typed value, and get a value
// back once the debuggee has acted on it.
//
// The channel holds at most one value at a time and ownership moves
// None -> [Request ->] DebuggerOwned -> DebuggeeOwned -> None; Request
// is entered only when the debuggee's Lock arrives before the Send.
package debugchannel

import (
	"sync"

	"github.com/obhv/obhv/internal/debug"
)

type state int

const (
	stateNone state = iota
	stateRequest
	stateDebuggerOwned
	stateDebuggeeOwned
)

type channel[T any] struct {
	mu    sync.Mutex
	cv    *sync.Cond
	state state
	value T
}

// New creates a channel and returns its two endpoints. Each endpoint is
// meant for exactly one goroutine: Debuggee for the paused vCPU thread,
// Debugger for the controller thread.
func New[T any]() (*Debuggee[T], *Debugger[T]) {
	c := &channel[T]{}
	c.cv = sync.NewCond(&c.mu)
	return &Debuggee[T]{ch: c}, &Debugger[T]{ch: c}
}

// Debuggee is the vCPU-thread side of a DebugChannel.
type Debuggee[T any] struct {
	ch *channel[T]
}

// Lock blocks until the debugger has published a value, then returns a
// LockedData handle giving access to it. If the channel was idle, Lock
// first marks it Request so a concurrent Debugger.Send knows a waiter
// exists.
func (d *Debuggee[T]) Lock() *LockedData[T] {
	c := d.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateNone {
		c.state = stateRequest
	}
	for c.state != stateDebuggerOwned {
		c.cv.Wait()
	}
	return &LockedData[T]{ch: c}
}

// LockedData is a short-lived handle to the channel's value while it is
// DebuggerOwned. It must be released exactly once.
type LockedData[T any] struct {
	ch       *channel[T]
	released bool
}

// Value returns a pointer to the channel's value for the debuggee to
// read or mutate in place before releasing it.
func (l *LockedData[T]) Value() *T {
	if l.released {
		panic("debugchannel: LockedData used after Release")
	}
	return &l.ch.value
}

// Release hands the value back to the debugger, transitioning
// DebuggerOwned -> DebuggeeOwned and waking Debugger.Send.
func (l *LockedData[T]) Release() {
	c := l.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.released {
		panic("debugchannel: double Release of LockedData")
	}
	if c.state != stateDebuggerOwned {
		panic("debugchannel: Release called out of turn")
	}
	l.released = true
	c.state = stateDebuggeeOwned
	c.cv.Broadcast()
}

// Debugger is the controller-thread side of a DebugChannel.
type Debugger[T any] struct {
	ch *channel[T]
}

// Send publishes v to the debuggee and blocks until it comes back as
// DebuggeeOwned, at which point the channel resets to None (ready for
// the next rendezvous) and a ResponseHandle carrying the debuggee's
// final value is returned.
func (dbg *Debugger[T]) Send(v T) *ResponseHandle[T] {
	c := dbg.ch
	c.mu.Lock()
	c.value = v
	c.state = stateDebuggerOwned
	c.cv.Broadcast()
	debug.Write("debugchannel.Send", "published value, waiting for debuggee")

	for c.state != stateDebuggeeOwned {
		c.cv.Wait()
	}
	result := c.value
	c.state = stateNone
	c.cv.Broadcast()
	c.mu.Unlock()

	debug.Write("debugchannel.Send", "debuggee released, channel reset to None")
	return &ResponseHandle[T]{value: result}
}

// ResponseHandle carries the value a debuggee produced in response to a
// Send. The DebuggeeOwned transition has already been observed by the
// time a ResponseHandle exists, so there is nothing left to wait for -
// IntoResponse only guards against being called twice.
type ResponseHandle[T any] struct {
	value    T
	consumed bool
}

// IntoResponse extracts the debuggee's final value. Calling it more
// than once on the same handle is a programming error.
func (r *ResponseHandle[T]) IntoResponse() T {
	if r.consumed {
		panic("debugchannel: ResponseHandle already consumed")
	}
	r.consumed = true
	return r.value
}
