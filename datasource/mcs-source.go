package datasource

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mealab/datasource/nidaq"
	"github.com/mealab/datasource/param"
)

// MCS system constants.
const (
	// McsSampleRate is the fixed sampling rate of MCS arrays in Hz.
	McsSampleRate = 10000.

	// mcsChannels is the number of data channels on an MCS array.
	mcsChannels = 64

	// Limits on the configurable ADC voltage range.
	adcRangeMin = 0.1
	adcRangeMax = 10.
)

//go:embed mcs-source.conf
var mcsConfData []byte

// mcsConfig holds the device settings read from the embedded
// mcs-source.conf, with defaults for anything missing or invalid.
type mcsConfig struct {
	deviceName       string
	timingSource     string
	bufferMultiplier int
	adcRange         float32

	triggerChannel string
	triggerEdge    nidaq.Edge
	triggerLevel   float64
	triggerTimeout float64 // seconds

	aoutChannel     string
	aoutClockSource string

	meaChannels string
	meaWiring   nidaq.Terminal

	pdChannel string
	pdWiring  nidaq.Terminal

	otherChannels []string
	otherWiring   nidaq.Terminal
}

func defaultMcsConfig() mcsConfig {
	return mcsConfig{
		deviceName:       "Dev1",
		timingSource:     "OnboardClock",
		bufferMultiplier: 100,
		adcRange:         5.,
		triggerChannel:   "ai0",
		triggerEdge:      nidaq.EdgeFalling,
		triggerLevel:     0.1,
		triggerTimeout:   60.,
		aoutChannel:      "ao0",
		aoutClockSource:  "SampleClock",
		meaChannels:      "ai0:63",
		meaWiring:        nidaq.TerminalNRSE,
		pdChannel:        "ai0",
		pdWiring:         nidaq.TerminalNRSE,
		otherChannels:    []string{"ai1", "ai2", "ai3"},
		otherWiring:      nidaq.TerminalNRSE,
	}
}

// loadMcsConfig parses the embedded settings file, validating each value
// and falling back to the default for anything out of range.
func loadMcsConfig() mcsConfig {
	cfg := defaultMcsConfig()
	f, err := ini.Load(mcsConfData)
	if err != nil {
		return cfg
	}

	dev := f.Section("device")
	if name := dev.Key("name").String(); name != "" {
		cfg.deviceName = name
	}
	if src := dev.Key("timing-source").String(); src != "" {
		cfg.timingSource = src
	}
	if mult, err := dev.Key("buffer-multiplier").Int(); err == nil && mult > 10 && mult < 10000 {
		cfg.bufferMultiplier = mult
	}
	if rng, err := dev.Key("adc-range").Float64(); err == nil &&
		rng >= adcRangeMin && rng <= adcRangeMax {
		cfg.adcRange = float32(rng)
	}

	trig := f.Section("trigger")
	if level, err := trig.Key("level").Float64(); err == nil &&
		level != 0. && math.Abs(level) <= float64(cfg.adcRange)/2. {
		cfg.triggerLevel = level
	}
	if timeout, err := trig.Key("timeout").Float64(); err == nil &&
		timeout >= 0. && timeout < 1000. {
		cfg.triggerTimeout = timeout
	}
	if chRaw := trig.Key("physical-channel").String(); strings.HasPrefix(chRaw, "ai") {
		cfg.triggerChannel = chRaw
	}
	switch trig.Key("edge").String() {
	case "falling":
		cfg.triggerEdge = nidaq.EdgeFalling
	case "rising":
		cfg.triggerEdge = nidaq.EdgeRising
	}

	aout := f.Section("analog-output")
	if chRaw := aout.Key("physical-channel").String(); strings.HasPrefix(chRaw, "ao") {
		cfg.aoutChannel = chRaw
	}
	if src := aout.Key("clock-source").String(); src != "" {
		cfg.aoutClockSource = src
	}

	mea := f.Section("mea-channels")
	if chRaw := mea.Key("physical-channels").String(); strings.HasPrefix(chRaw, "ai") {
		cfg.meaChannels = chRaw
	}
	if w, ok := parseWiring(mea.Key("wiring-type").String()); ok {
		cfg.meaWiring = w
	}

	pd := f.Section("photodiode")
	if chRaw := pd.Key("physical-channel").String(); strings.HasPrefix(chRaw, "ai") {
		cfg.pdChannel = chRaw
	}
	if w, ok := parseWiring(pd.Key("wiring-type").String()); ok {
		cfg.pdWiring = w
	}

	other := f.Section("other-channels")
	if chRaw := other.Key("physical-channels").String(); chRaw != "" {
		chans := strings.Split(chRaw, ",")
		for i := 0; i < len(chans) && i < len(cfg.otherChannels); i++ {
			if c := strings.TrimSpace(chans[i]); strings.HasPrefix(c, "ai") {
				cfg.otherChannels[i] = c
			}
		}
	}
	if w, ok := parseWiring(other.Key("wiring-type").String()); ok {
		cfg.otherWiring = w
	}
	return cfg
}

func parseWiring(s string) (nidaq.Terminal, bool) {
	switch strings.ToLower(s) {
	case "nrse":
		return nidaq.TerminalNRSE, true
	case "rse":
		return nidaq.TerminalRSE, true
	}
	return 0, false
}

// McsSource drives an MCS array through the NIDAQmx runtime: an analog
// input task for the array channels, an optional analog output task
// slaved to the input sample clock, and an optional photodiode edge
// trigger starting both.
type McsSource struct {
	*Core

	ctrl nidaq.Controller
	cfg  mcsConfig

	inputTask  nidaq.Task
	outputTask nidaq.Task

	// blockSize is the number of samples per channel read at a time;
	// bufferSize is blockSize across all channels.
	blockSize  uint32
	bufferSize int

	dataReady chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	running   bool
}

// NewMcsSource creates an MCS driver.  It fails with an
// InvalidArgumentError on machines where no NIDAQmx binding has been
// registered.
func NewMcsSource(readInterval uint32) (*McsSource, error) {
	if !nidaq.Available() {
		return nil, &InvalidArgumentError{
			Msg: "Cannot create MCS sources without the NIDAQmx runtime library.",
		}
	}
	m := &McsSource{
		Core: NewCore("mcs", "mcs", McsSampleRate, readInterval),
		ctrl: nidaq.Driver(),
		cfg:  loadMcsConfig(),
	}
	m.adcRange = m.cfg.adcRange
	m.gain = (m.adcRange * 2) / (1 << 16)
	m.nchannels = mcsChannels
	m.blockSize = uint32(m.frameSize)
	m.bufferSize = m.frameSize * mcsChannels
	for _, name := range []string{"analog-output", "adc-range", "trigger"} {
		m.settable[name] = true
		m.gettable[name] = true
	}
	m.gettable["analog-output-size"] = true
	return m, nil
}

// Initialize verifies that the device is reachable and healthy.
func (m *McsSource) Initialize() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInvalid {
		return false, "Can only initialize from the 'invalid' state."
	}
	if err := m.ctrl.SelfTest(m.cfg.deviceName); err != nil {
		return false, "The NIDAQ is not reachable or not working. Verify that it is powered."
	}
	m.connectTime = time.Now()
	m.state = StateInitialized
	return true, ""
}

// Set handles the MCS-settable parameters: adc-range, trigger and
// analog-output.
func (m *McsSource) Set(name string, value param.Value) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.settable[name] {
		return false, "The requested parameter is not settable for MCS sources."
	}
	if m.state != StateInitialized {
		return false, "Can only set parameters while in the 'initialized' state."
	}

	switch name {
	case "adc-range":
		if value.Kind != param.Float ||
			value.Float < adcRangeMin || value.Float > adcRangeMax {
			return false, fmt.Sprintf(
				"The requested ADC range is not in the range of [%g, %g].",
				adcRangeMin, adcRangeMax)
		}
		m.adcRange = value.Float
		m.gain = (m.adcRange * 2) / (1 << 16)
		return true, ""

	case "trigger":
		trig := strings.ToLower(value.Str)
		if value.Kind != param.String || (trig != "photodiode" && trig != "none") {
			return false, "Supported triggers are 'photodiode' and 'none'"
		}
		m.trigger = trig
		return true, ""

	case "analog-output":
		if value.Kind != param.Vector {
			return false, "Analog output must be specified as a vector of doubles"
		}
		limit := float64(m.adcRange)
		for _, v := range value.Vector {
			if math.Abs(v) > limit {
				return false, fmt.Sprintf(
					"Analog output values must be within the ADC range of %g.", limit)
			}
		}
		m.analogOutput = append([]float64(nil), value.Vector...)
		return true, ""
	}
	return false, "The requested parameter is not settable for MCS sources."
}

// StartStream configures and starts the DAQmx tasks.  The first failure
// resets every task and reports without changing state.
func (m *McsSource) StartStream() (bool, string) {
	m.mu.Lock()
	if m.state != StateInitialized {
		m.mu.Unlock()
		return false, "Can only start stream from the 'initialized' state."
	}

	if err := m.setupAnalogInput(); err != nil {
		msg := fmt.Sprintf("Failed to setup analog input task: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}
	if err := m.setupAnalogOutput(); err != nil {
		msg := fmt.Sprintf("Failed to setup analog output task: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}
	if err := m.configureTriggering(); err != nil {
		msg := fmt.Sprintf("Failed to configure task triggering: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}

	m.dataReady = make(chan struct{}, 4)
	if err := m.setupReadCallback(); err != nil {
		msg := fmt.Sprintf("Failed to initialize read callback: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}

	if err := m.reserveTasks(); err != nil {
		msg := fmt.Sprintf("Failed to finalize task startup: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}

	if err := m.inputTask.Start(); err != nil {
		msg := fmt.Sprintf("Failed to start analog input task: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}
	if m.outputTask != nil {
		if err := m.outputTask.Start(); err != nil {
			msg := fmt.Sprintf("Failed to start analog output task: %s", m.daqmxMessage(err))
			m.resetTasksLocked()
			m.mu.Unlock()
			return false, msg
		}
	}

	m.state = StateStreaming
	m.startTime = time.Now()
	m.stop = make(chan struct{})
	m.stopOnce = sync.Once{}
	m.running = true
	stop, ready := m.stop, m.dataReady
	m.mu.Unlock()
	go m.readLoop(stop, ready)
	return true, ""
}

// StopStream halts both tasks.  The analog output vector is cleared on a
// successful stop, forcing clients to send it for each recording.
func (m *McsSource) StopStream() (bool, string) {
	m.mu.Lock()
	if m.state != StateStreaming {
		m.mu.Unlock()
		return false, "Can only stop the task from the 'streaming' state."
	}
	m.stopLoopLocked()

	if err := m.inputTask.Stop(); err != nil {
		msg := fmt.Sprintf("Failed to stop analog input task: %s", m.daqmxMessage(err))
		m.resetTasksLocked()
		m.mu.Unlock()
		return false, msg
	}
	if m.outputTask != nil {
		if err := m.outputTask.Stop(); err != nil {
			msg := fmt.Sprintf("Failed to stop analog output task: %s", m.daqmxMessage(err))
			m.resetTasksLocked()
			m.mu.Unlock()
			m.fail(msg)
			return false, msg
		}
		m.analogOutput = nil
	}
	m.resetTasksLocked()
	m.state = StateInitialized
	m.startTime = time.Time{}
	m.mu.Unlock()
	return true, ""
}

// Close stops the read loop and clears the tasks.
func (m *McsSource) Close() error {
	m.mu.Lock()
	m.stopLoopLocked()
	m.resetTasksLocked()
	m.mu.Unlock()
	return m.Core.Close()
}

func (m *McsSource) stopLoopLocked() {
	if !m.running {
		return
	}
	m.running = false
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *McsSource) setupAnalogInput() error {
	task, err := m.ctrl.CreateTask("")
	if err != nil {
		return err
	}
	m.inputTask = task
	rng := float64(m.adcRange)
	dev := m.cfg.deviceName

	if err := task.AddAIVoltageChannel(dev+"/"+m.cfg.pdChannel,
		m.cfg.pdWiring, -rng, rng); err != nil {
		return err
	}
	for _, ch := range m.cfg.otherChannels {
		if err := task.AddAIVoltageChannel(dev+"/"+ch,
			m.cfg.otherWiring, -rng, rng); err != nil {
			return err
		}
	}
	if err := task.AddAIVoltageChannel(dev+"/"+m.cfg.meaChannels,
		m.cfg.meaWiring, -rng, rng); err != nil {
		return err
	}
	return task.CfgSampleClock(m.cfg.timingSource, McsSampleRate,
		m.cfg.triggerEdge, uint64(m.cfg.bufferMultiplier*m.bufferSize))
}

// setupAnalogOutput builds the output task, or clears it when the output
// vector is empty so that clearing the vector clears the output.
func (m *McsSource) setupAnalogOutput() error {
	if len(m.analogOutput) == 0 {
		if m.outputTask != nil {
			err := m.outputTask.Clear()
			m.outputTask = nil
			return err
		}
		return nil
	}

	task, err := m.ctrl.CreateTask("")
	if err != nil {
		return err
	}
	m.outputTask = task
	rng := float64(m.adcRange)

	if err := task.AddAOVoltageChannel(
		m.cfg.deviceName+"/"+m.cfg.aoutChannel, -rng, rng); err != nil {
		return err
	}
	// something like /Dev1/ai/SampleClock, slaving output to input
	clock := "/" + m.cfg.deviceName + "/ai/" + m.cfg.aoutClockSource
	if err := task.CfgSampleClock(clock, McsSampleRate,
		m.cfg.triggerEdge, uint64(len(m.analogOutput))); err != nil {
		return err
	}
	return task.WriteAnalogF64(m.analogOutput, false, m.triggerTimeout())
}

func (m *McsSource) configureTriggering() error {
	if m.trigger == "photodiode" {
		trig := m.cfg.deviceName + "/" + m.cfg.triggerChannel
		if err := m.inputTask.CfgAnalogEdgeStartTrigger(trig,
			m.cfg.triggerEdge, m.cfg.triggerLevel); err != nil {
			return err
		}
		if m.outputTask != nil {
			return m.outputTask.CfgAnalogEdgeStartTrigger(trig,
				m.cfg.triggerEdge, m.cfg.triggerLevel)
		}
		return nil
	}

	// no trigger, start immediately
	if err := m.inputTask.DisableStartTrigger(); err != nil {
		return err
	}
	if m.outputTask != nil {
		return m.outputTask.DisableStartTrigger()
	}
	return nil
}

// setupReadCallback arranges for the read loop to be poked every time a
// full acquisition block has reached the runtime's buffer.  The runtime
// calls back on a foreign thread, so the notification is a channel send.
func (m *McsSource) setupReadCallback() error {
	ready := m.dataReady
	return m.inputTask.RegisterEveryNSamples(m.blockSize, func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
}

func (m *McsSource) reserveTasks() error {
	if err := m.inputTask.Reserve(); err != nil {
		return err
	}
	if m.outputTask != nil {
		return m.outputTask.Reserve()
	}
	return nil
}

func (m *McsSource) resetTasksLocked() {
	if m.inputTask != nil {
		m.inputTask.Clear()
		m.inputTask = nil
	}
	if m.outputTask != nil {
		m.outputTask.Clear()
		m.outputTask = nil
	}
	m.ctrl.ResetDevice(m.cfg.deviceName)
}

func (m *McsSource) readLoop(stop chan struct{}, ready chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ready:
		}
		if !m.readDeviceBuffer() {
			return
		}
	}
}

// readDeviceBuffer drains one acquisition block from the runtime and
// emits it with inverted polarity.  A short read is fatal.
func (m *McsSource) readDeviceBuffer() bool {
	m.mu.Lock()
	if m.state != StateStreaming || m.inputTask == nil {
		m.mu.Unlock()
		return false
	}
	task := m.inputTask
	block := m.blockSize
	nchannels := int(m.nchannels)
	buf := make([]int16, m.bufferSize)
	m.mu.Unlock()

	nread, err := task.ReadBinaryI16(block, m.triggerTimeout(), nidaq.FillByChannel, buf)
	if err != nil {
		msg := fmt.Sprintf("An error occurred reading data from the MCS source: %s",
			m.daqmxMessage(err))
		m.mu.Lock()
		m.stopLoopLocked()
		m.resetTasksLocked()
		m.mu.Unlock()
		m.fail(msg)
		return false
	}
	if nread != int(block) {
		m.mu.Lock()
		m.stopLoopLocked()
		m.resetTasksLocked()
		m.mu.Unlock()
		m.fail("A short read occurred from the MCS source.")
		return false
	}

	frame := &Samples{NChannels: nchannels, FrameSize: int(block), Data: buf}
	frame.Negate()
	m.emit(Event{Type: EvData, Frame: frame})
	return true
}

func (m *McsSource) triggerTimeout() time.Duration {
	return time.Duration(m.cfg.triggerTimeout * float64(time.Second))
}

// daqmxMessage translates a driver error to its canonical user-facing
// message.
func (m *McsSource) daqmxMessage(err error) string {
	var derr *nidaq.Error
	if errors.As(err, &derr) {
		switch {
		case derr.IsDisconnect():
			return "The NIDAQ device was disconnected."
		case derr.Code == nidaq.ErrCodeTimeout:
			return fmt.Sprintf("The recording was not triggered within the timeout "+
				"of %.1f seconds.", m.cfg.triggerTimeout)
		case derr.Code == nidaq.ErrCodeAborted:
			return "The task was aborted."
		}
		return derr.Error()
	}
	return err.Error()
}
