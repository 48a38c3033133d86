package datasource

import (
	"context"

	"github.com/mealab/datasource/param"
)

// Op enumerates the requests a Runner accepts.
type Op int

const (
	OpInitialize Op = iota
	OpStartStream
	OpStopStream
	OpGet
	OpSet
	OpStatus
)

// Request is one queued command for a source.  Param and Value are only
// meaningful for OpGet and OpSet.
type Request struct {
	Op    Op
	Param string
	Value param.Value
}

// A Runner serializes requests onto a source and merges the replies with
// the source's own emissions into a single ordered event stream.  It is
// the queued request/reply pattern for embedders that run a source on a
// dedicated goroutine: submit requests from any goroutine, call Run on
// the worker, and consume Events.
type Runner struct {
	src      Source
	requests chan Request
	events   chan Event
}

// NewRunner wraps a source.  The runner takes ownership: when Run
// returns, the source has been closed.
func NewRunner(src Source) *Runner {
	return &Runner{
		src:      src,
		requests: make(chan Request, eventBufferSize),
		events:   make(chan Event, eventBufferSize),
	}
}

// Events returns the merged stream of replies and source emissions.  The
// channel is closed when Run returns.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Submit queues one request.  Replies arrive on Events in submission
// order, interleaved with the source's asynchronous emissions.
func (r *Runner) Submit(req Request) {
	r.requests <- req
}

// Run executes requests until ctx is cancelled or the source emits a
// terminal error.  It must run on the goroutine that owns the source.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.events)
	defer r.src.Close()
	srcEvents := r.src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-srcEvents:
			if !ok {
				// terminal error or close; nothing more will arrive
				return nil
			}
			r.events <- ev
		case req := <-r.requests:
			r.events <- r.dispatch(req)
		}
	}
}

func (r *Runner) dispatch(req Request) Event {
	switch req.Op {
	case OpInitialize:
		ok, msg := r.src.Initialize()
		return Event{Type: EvInitialized, Success: ok, Message: msg}
	case OpStartStream:
		ok, msg := r.src.StartStream()
		return Event{Type: EvStreamStarted, Success: ok, Message: msg}
	case OpStopStream:
		ok, msg := r.src.StopStream()
		return Event{Type: EvStreamStopped, Success: ok, Message: msg}
	case OpGet:
		v, ok, msg := r.src.Get(req.Param)
		return Event{Type: EvGetResponse, Param: req.Param, Success: ok, Message: msg, Value: v}
	case OpSet:
		ok, msg := r.src.Set(req.Param, req.Value)
		return Event{Type: EvSetResponse, Param: req.Param, Success: ok, Message: msg}
	case OpStatus:
		return Event{Type: EvStatus, Success: true, Status: r.src.Status()}
	}
	return Event{Type: EvError, Message: "unknown request"}
}
