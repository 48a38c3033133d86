// Package nidaq abstracts the National Instruments DAQmx driver behind Go
// interfaces.  The vendor library is a platform-specific C dependency, so
// the concrete binding registers itself here at init time and the rest of
// the module only sees these interfaces.  On hosts without the driver,
// Available returns false and sources that need it refuse to construct.
package nidaq

import "time"

// Terminal configures the input terminal wiring of an analog channel.
type Terminal int

// Edge selects a clock or trigger edge.
type Edge int

// FillMode controls the interleaving of multi-channel reads.
type FillMode int

const (
	// TerminalNRSE is non-referenced single-ended wiring.
	TerminalNRSE Terminal = iota

	// TerminalRSE is referenced single-ended wiring.
	TerminalRSE
)

const (
	// EdgeRising triggers or clocks on the rising edge.
	EdgeRising Edge = iota

	// EdgeFalling triggers or clocks on the falling edge.
	EdgeFalling
)

const (
	// FillByChannel groups samples channel by channel (non-interleaved).
	FillByChannel FillMode = iota

	// FillByScan interleaves one sample per channel per scan.
	FillByScan
)

// Task is one DAQmx task: a set of channels sharing a sample clock.
type Task interface {
	// AddAIVoltageChannel adds an analog input channel, e.g. "Dev1/ai0".
	AddAIVoltageChannel(physical string, terminal Terminal, min, max float64) error

	// AddAOVoltageChannel adds an analog output channel, e.g. "Dev1/ao0".
	AddAOVoltageChannel(physical string, min, max float64) error

	// CfgSampleClock configures continuous sampling from the named clock
	// source at rate, with a buffer of samplesPerChan per channel.
	CfgSampleClock(source string, rate float64, edge Edge, samplesPerChan uint64) error

	// CfgAnalogEdgeStartTrigger arms an analog edge start trigger on the
	// named source channel.
	CfgAnalogEdgeStartTrigger(source string, edge Edge, level float64) error

	// DisableStartTrigger removes any configured start trigger.
	DisableStartTrigger() error

	// RegisterEveryNSamples arranges for fn to be called each time n
	// samples per channel have been acquired.
	RegisterEveryNSamples(n uint32, fn func()) error

	// WriteAnalogF64 writes one sample per channel to an output task.
	WriteAnalogF64(data []float64, autostart bool, timeout time.Duration) error

	// ReadBinaryI16 reads up to nsamp samples per channel into buf and
	// returns the number of samples per channel actually read.
	ReadBinaryI16(nsamp uint32, timeout time.Duration, fill FillMode, buf []int16) (int, error)

	// Reserve acquires the hardware resources the task needs.
	Reserve() error

	// Start begins the task.
	Start() error

	// Stop halts the task without releasing its configuration.
	Stop() error

	// Clear releases the task and all its resources.
	Clear() error
}

// Controller creates tasks and manages devices.  It is the root handle to
// the vendor driver.
type Controller interface {
	// CreateTask creates an empty task with the given name.
	CreateTask(name string) (Task, error)

	// SelfTest runs the device self test, e.g. for "Dev1".
	SelfTest(device string) error

	// ResetDevice aborts all tasks on the device and returns it to a
	// known state.
	ResetDevice(device string) error
}

// driver is set by the concrete binding's Register call.
var driver Controller

// Register installs the concrete DAQmx binding.  It is intended to be
// called from an init function in the binding package.
func Register(c Controller) {
	driver = c
}

// Available reports whether a DAQmx binding has been registered.
func Available() bool {
	return driver != nil
}

// Driver returns the registered binding, or nil if there is none.
func Driver() Controller {
	return driver
}
