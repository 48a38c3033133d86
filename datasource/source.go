/*Package datasource presents several kinds of microelectrode-array data
producers behind a single uniform interface: a live HiDens chip reached
over TCP, a Multichannel Systems card reached through the NIDAQmx runtime,
and a previously recorded data file played back at wall-clock pace.

Every source follows the same state machine,

	invalid -> initialized -> streaming -> initialized

with any fatal error forcing the source back to invalid.  A source in the
invalid state after an error cannot be revived; the owner disposes of it
and creates a new one.

Request methods (Initialize, StartStream, StopStream, Get, Set, Status)
return their reply directly.  Asynchronous emissions, sample frames,
spontaneous stream stops, background set completions and fatal errors,
arrive on the channel returned by Events.  A Runner is provided for
embedders that want the fully queued request/reply pattern on a single
goroutine.
*/
package datasource

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mealab/datasource/electrode"
	"github.com/mealab/datasource/param"
)

// Source states.
const (
	StateInvalid     = "invalid"
	StateInitialized = "initialized"
	StateStreaming   = "streaming"
)

// unsetUint is the sentinel for unset plug and chip-id values.
const unsetUint = ^uint32(0)

// eventBufferSize bounds how far a source can run ahead of a slow
// consumer before emission blocks.
const eventBufferSize = 64

// Source is the capability interface every data source implements.
//
// Request methods return their reply directly; sample frames and other
// asynchronous emissions arrive on the Events channel.  A Source is safe
// for concurrent use, but replies are only ordered with respect to a
// single caller.
type Source interface {
	// SourceType returns the kind of source, e.g. "file" or "hidens".
	SourceType() string

	// DeviceType returns the kind of device the data originates from.
	// For file sources this is only known after Initialize.
	DeviceType() string

	// ReadInterval returns the interval in milliseconds between reads
	// from the source.
	ReadInterval() uint32

	// Initialize connects to the underlying producer.  Valid only in
	// the invalid state.
	Initialize() (bool, string)

	// StartStream begins emitting data frames.  Valid only in the
	// initialized state.
	StartStream() (bool, string)

	// StopStream stops emitting data frames.  Valid only in the
	// streaming state.
	StopStream() (bool, string)

	// Get reads a named parameter.  The returned flag reports whether
	// the parameter exists for this source; if false, the string
	// explains why.
	Get(name string) (param.Value, bool, string)

	// Set assigns a named parameter.  Only valid in the initialized
	// state, and only for the source's settable parameters.
	Set(name string, value param.Value) (bool, string)

	// Status packs every gettable parameter into a name to value map.
	Status() map[string]param.Value

	// Events returns the source's asynchronous emission channel.  The
	// channel is closed after a fatal error or a Close.
	Events() <-chan Event

	// Close releases the source's resources.
	Close() error
}

// Core implements the behavior shared by all sources: the state machine,
// the data-driven parameter registry, status packing, and the error
// reset.  Concrete sources embed a Core and override the transitions.
//
// A bare Core is itself a usable (if inert) Source.
type Core struct {
	mu sync.Mutex

	state      string
	sourceType string
	deviceType string
	location   string

	connectTime time.Time
	startTime   time.Time

	configuration     electrode.Configuration
	configurationFile string

	readInterval uint32
	sampleRate   float32
	frameSize    int

	gain     float32
	adcRange float32

	nchannels uint32
	plug      uint32
	chipID    uint32

	trigger      string
	analogOutput []float64

	gettable map[string]bool
	settable map[string]bool

	evMu   sync.Mutex
	events chan Event
	closed bool
}

// NewCore constructs the shared state for a source of the given kind.
// Unknown numeric attributes start at their sentinel values: NaN for the
// floats, zero for nchannels, and all-ones for plug and chip-id.
func NewCore(sourceType, deviceType string, sampleRate float32, readInterval uint32) *Core {
	c := &Core{
		state:        StateInvalid,
		sourceType:   sourceType,
		deviceType:   deviceType,
		readInterval: readInterval,
		sampleRate:   sampleRate,
		gain:         float32(math.NaN()),
		adcRange:     float32(math.NaN()),
		plug:         unsetUint,
		chipID:       unsetUint,
		trigger:      "none",
		gettable: map[string]bool{
			"connect-time":      true,
			"start-time":        true,
			"state":             true,
			"nchannels":         true,
			"has-analog-output": true,
			"gain":              true,
			"adc-range":         true,
			"read-interval":     true,
			"sample-rate":       true,
			"source-type":       true,
			"device-type":       true,
		},
		settable: map[string]bool{},
		events:   make(chan Event, eventBufferSize),
	}
	c.updateFrameSize()
	return c
}

// updateFrameSize recomputes the per-frame sample count.  Called with the
// lock held whenever readInterval or sampleRate changes.
func (c *Core) updateFrameSize() {
	if math.IsNaN(float64(c.sampleRate)) {
		c.frameSize = 0
		return
	}
	c.frameSize = int(float32(c.readInterval) * c.sampleRate / 1000.)
}

// SourceType returns the kind of source, e.g. "file" or "hidens".
func (c *Core) SourceType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceType
}

// DeviceType returns the kind of device the data originates from.
func (c *Core) DeviceType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceType
}

// ReadInterval returns the interval in milliseconds between reads.
func (c *Core) ReadInterval() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readInterval
}

// State returns the source's current state.
func (c *Core) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize performs the base state transition.  Concrete sources
// override this to actually reach their device.
func (c *Core) Initialize() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInvalid {
		return false, "Can only initialize from the 'invalid' state."
	}
	c.connectTime = time.Now()
	c.state = StateInitialized
	return true, ""
}

// StartStream performs the base state transition.
func (c *Core) StartStream() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return false, "Can only start stream from the 'initialized' state."
	}
	c.state = StateStreaming
	c.startTime = time.Now()
	return true, ""
}

// StopStream performs the base state transition.
func (c *Core) StopStream() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return false, "Can only stop stream from the 'streaming' state."
	}
	c.state = StateInitialized
	c.startTime = time.Time{}
	return true, ""
}

// Set refuses every parameter.  Concrete sources override this with their
// own validation and effects.
func (c *Core) Set(name string, _ param.Value) (bool, string) {
	return false, fmt.Sprintf("Cannot set parameter %q for this source.", name)
}

// Get reads a named parameter.  Concrete sources do not override this;
// they extend the gettable set in their constructors instead.
func (c *Core) Get(name string) (param.Value, bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(name)
}

func (c *Core) getLocked(name string) (param.Value, bool, string) {
	if !c.gettable[name] {
		return param.Value{}, false, fmt.Sprintf(
			"The parameter %q is not valid for %s sources.", name, c.sourceType)
	}
	switch name {
	case "trigger":
		return param.StringValue(c.trigger), true, ""
	case "connect-time":
		return param.StringValue(formatTime(c.connectTime)), true, ""
	case "start-time":
		return param.StringValue(formatTime(c.startTime)), true, ""
	case "state":
		return param.StringValue(c.state), true, ""
	case "nchannels":
		return param.UintValue(c.nchannels), true, ""
	case "analog-output":
		return param.VectorValue(c.analogOutput), true, ""
	case "has-analog-output":
		return param.BoolValue(len(c.analogOutput) > 0), true, ""
	case "analog-output-size":
		return param.UintValue(uint32(len(c.analogOutput))), true, ""
	case "gain":
		return param.FloatValue(c.gain), true, ""
	case "adc-range":
		return param.FloatValue(c.adcRange), true, ""
	case "plug":
		return param.UintValue(c.plug), true, ""
	case "chip-id":
		return param.UintValue(c.chipID), true, ""
	case "read-interval":
		return param.UintValue(c.readInterval), true, ""
	case "sample-rate":
		return param.FloatValue(c.sampleRate), true, ""
	case "source-type":
		return param.StringValue(c.sourceType), true, ""
	case "device-type":
		return param.StringValue(c.deviceType), true, ""
	case "location":
		return param.StringValue(c.location), true, ""
	case "configuration":
		return param.ConfigValue(c.configuration), true, ""
	case "configuration-file":
		return param.StringValue(c.configurationFile), true, ""
	}
	return param.Value{}, false, fmt.Sprintf(
		"No parameter named %q exists for the %s device.", name, c.deviceType)
}

// Status packs every gettable parameter's current value into a map.
func (c *Core) Status() map[string]param.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := make(map[string]param.Value, len(c.gettable))
	for name := range c.gettable {
		v, ok, _ := c.getLocked(name)
		if ok {
			status[name] = v
		}
	}
	return status
}

// Events returns the source's asynchronous emission channel.
func (c *Core) Events() <-chan Event {
	return c.events
}

// Close shuts the emission channel.  Concrete sources override this to
// also release transports and stop goroutines, then delegate here.
func (c *Core) Close() error {
	c.closeEvents()
	return nil
}

// checkSettable applies the validation shared by every Set override: the
// parameter must be in the settable set and the source must be in the
// initialized state.
func (c *Core) checkSettable(name string) (bool, string) {
	if !c.settable[name] {
		return false, fmt.Sprintf(
			"The parameter %q is not settable for %s sources.", name, c.sourceType)
	}
	if c.state != StateInitialized {
		return false, "Can only set parameters while in the 'initialized' state."
	}
	return true, ""
}

// fail is the error bottleneck.  It resets every mutable attribute to its
// sentinel, transitions to invalid, emits the terminal error event, and
// closes the emission channel.  Sources drop their transports before
// calling it.  Must be called without the lock held.
func (c *Core) fail(msg string) {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.emit(Event{Type: EvError, Message: msg})
	c.closeEvents()
}

// resetLocked clears the mutable attributes.  The lock must be held.
func (c *Core) resetLocked() {
	c.state = StateInvalid
	c.connectTime = time.Time{}
	c.startTime = time.Time{}
	c.configuration = nil
	c.gain = float32(math.NaN())
	c.adcRange = float32(math.NaN())
	c.nchannels = 0
	c.plug = unsetUint
	c.chipID = unsetUint
	c.trigger = "none"
	c.analogOutput = nil
}

// emit delivers one event unless the channel has been closed.  Emission
// blocks once the consumer falls eventBufferSize events behind.
func (c *Core) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *Core) closeEvents() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
