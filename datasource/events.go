package datasource

import "github.com/mealab/datasource/param"

// EventType enumerates the events a source can emit.
type EventType int

const (
	// EvInitialized is the reply to an initialize request.
	EvInitialized EventType = iota

	// EvStreamStarted is the reply to a start-stream request.
	EvStreamStarted

	// EvStreamStopped is the reply to a stop-stream request.  It is also
	// emitted spontaneously when a file source reaches the end of its
	// data.
	EvStreamStopped

	// EvGetResponse is the reply to a get request.
	EvGetResponse

	// EvSetResponse is the reply to a set request.  The HiDens source
	// emits one spontaneously when a background configuration upload
	// completes.
	EvSetResponse

	// EvStatus is the reply to a status request.
	EvStatus

	// EvData carries one frame of samples while streaming.
	EvData

	// EvError reports a fatal failure.  It is terminal: the source
	// emits nothing after it and must be disposed of.
	EvError
)

// Event is one emission from a source.  Which fields are meaningful
// depends on Type.
type Event struct {
	Type EventType

	// Param names the parameter for get and set replies.
	Param string

	// Success is the outcome flag of a reply.
	Success bool

	// Message explains a failed reply or a fatal error.
	Message string

	// Value carries the data of a successful get reply.
	Value param.Value

	// Status carries the full parameter map of a status reply.
	Status map[string]param.Value

	// Frame carries the samples of a data event.
	Frame *Samples
}
