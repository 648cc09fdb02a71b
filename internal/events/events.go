// Package events fans run-loop notifications out to observers. Dispatch is
// asynchronous and non-blocking: each observer drains its own buffered
// queue, a full queue drops notifications, and observer panics are isolated
// from the loop.
package events

import (
	"log/slog"

	"github.com/zacedev/zace/internal/types"
)

const queueSize = 512

// Observer receives loop notifications. All callbacks are best-effort; they
// run on the dispatcher's goroutine for that observer, never on the loop.
type Observer interface {
	OnRunEvent(ev types.RunEvent)
	OnPlannerToken(token string)
	OnToolCall(step int, call types.ToolCall)
	OnToolResult(step int, res *types.ToolResult)
	OnError(step int, err error)
}

// Noop is an embeddable no-op Observer.
type Noop struct{}

func (Noop) OnRunEvent(types.RunEvent)            {}
func (Noop) OnPlannerToken(string)                {}
func (Noop) OnToolCall(int, types.ToolCall)       {}
func (Noop) OnToolResult(int, *types.ToolResult)  {}
func (Noop) OnError(int, error)                   {}

type noteKind int

const (
	noteRunEvent noteKind = iota
	notePlannerToken
	noteToolCall
	noteToolResult
	noteError
)

type note struct {
	kind  noteKind
	ev    types.RunEvent
	token string
	step  int
	call  types.ToolCall
	res   *types.ToolResult
	err   error
}

type subscriber struct {
	obs  Observer
	ch   chan note
	done chan struct{}
}

// Dispatcher owns the observer set for one run.
type Dispatcher struct {
	subs []*subscriber
}

// NewDispatcher starts a drain goroutine per observer.
func NewDispatcher(observers ...Observer) *Dispatcher {
	d := &Dispatcher{}
	for _, obs := range observers {
		if obs == nil {
			continue
		}
		s := &subscriber{obs: obs, ch: make(chan note, queueSize), done: make(chan struct{})}
		d.subs = append(d.subs, s)
		go s.drain()
	}
	return d
}

func (s *subscriber) drain() {
	defer close(s.done)
	for n := range s.ch {
		s.deliver(n)
	}
}

// deliver invokes one callback, recovering panics so a broken observer
// cannot take down the run.
func (s *subscriber) deliver(n note) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[events] observer panicked", "panic", r)
		}
	}()
	switch n.kind {
	case noteRunEvent:
		s.obs.OnRunEvent(n.ev)
	case notePlannerToken:
		s.obs.OnPlannerToken(n.token)
	case noteToolCall:
		s.obs.OnToolCall(n.step, n.call)
	case noteToolResult:
		s.obs.OnToolResult(n.step, n.res)
	case noteError:
		s.obs.OnError(n.step, n.err)
	}
}

func (d *Dispatcher) send(n note) {
	if d == nil {
		return
	}
	for _, s := range d.subs {
		select {
		case s.ch <- n:
		default:
			// observer too slow; drop rather than stall the loop
		}
	}
}

// RunEvent fans out a run event. Nil-safe.
func (d *Dispatcher) RunEvent(ev types.RunEvent) {
	d.send(note{kind: noteRunEvent, ev: ev})
}

// PlannerToken forwards one streamed planner token.
func (d *Dispatcher) PlannerToken(token string) {
	d.send(note{kind: notePlannerToken, token: token})
}

// ToolCall announces a tool invocation.
func (d *Dispatcher) ToolCall(step int, call types.ToolCall) {
	d.send(note{kind: noteToolCall, step: step, call: call})
}

// ToolResult announces a finished tool invocation.
func (d *Dispatcher) ToolResult(step int, res *types.ToolResult) {
	d.send(note{kind: noteToolResult, step: step, res: res})
}

// Error announces a step-scoped error.
func (d *Dispatcher) Error(step int, err error) {
	d.send(note{kind: noteError, step: step, err: err})
}

// Close stops delivery and waits for queued notifications to drain.
// Nil-safe.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	for _, s := range d.subs {
		close(s.ch)
	}
	for _, s := range d.subs {
		<-s.done
	}
	d.subs = nil
}
