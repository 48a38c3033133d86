package datasource

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mealab/datasource/electrode"
	"github.com/mealab/datasource/param"
)

// RecordingFile is the read side of a previously recorded data file.  The
// actual file format lives outside this module; a reader binding assigns
// OpenRecording at init time.
type RecordingFile interface {
	// Array returns the kind of device the file was recorded from,
	// e.g. "hidens" or "hexagonal".
	Array() string

	// SampleRate returns the sampling rate of the recorded data in Hz.
	SampleRate() float32

	// Gain returns the ADC gain of the recording.
	Gain() float32

	// ADCRange returns the voltage range of the recording's ADC.
	ADCRange() float32

	// NChannels returns the number of recorded data channels.
	NChannels() uint32

	// NSamples returns the total number of samples per channel.
	NSamples() uint64

	// AnalogOutput returns the recording's analog output vector, or nil
	// if the recording has none.
	AnalogOutput() []float64

	// Configuration returns the recorded electrode configuration for
	// HiDens recordings; nil for other array types.
	Configuration() electrode.Configuration

	// Data reads the block of samples covering channels [0, nchannels)
	// and sample indices [start, end) into a channel-major frame.
	Data(nchannels uint32, start, end uint64) (*Samples, error)

	// Close releases the file.
	Close() error
}

// OpenRecording opens a recorded data file.  It is nil until a file
// reader binding registers itself; FileSource.Initialize fails without
// one.
var OpenRecording func(path string) (RecordingFile, error)

// FileSource plays a recorded data file back as if it were a live
// device, one frame per read interval.
type FileSource struct {
	*Core

	filename string
	file     RecordingFile

	cursor   uint64
	nsamples uint64

	stop     chan struct{}
	stopOnce sync.Once
	running  bool
}

// NewFileSource creates a playback source for the named file.  The file
// is not opened until Initialize.
func NewFileSource(filename string, readInterval uint32) *FileSource {
	f := &FileSource{
		Core:     NewCore("file", "none", float32(math.NaN()), readInterval),
		filename: filename,
	}
	f.location = filename
	f.gettable["location"] = true
	return f
}

// Initialize opens the file and populates the source's attributes from
// its header.
func (f *FileSource) Initialize() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateInvalid {
		return false, "Can only initialize from the 'invalid' state."
	}
	if OpenRecording == nil {
		return false, "No data file reader is available."
	}
	file, err := OpenRecording(f.filename)
	if err != nil {
		return false, err.Error()
	}
	f.file = file

	f.deviceType = file.Array()
	f.sampleRate = file.SampleRate()
	f.updateFrameSize()
	f.gain = file.Gain()
	f.nchannels = file.NChannels()
	f.adcRange = file.ADCRange()
	f.nsamples = file.NSamples()

	if aout := file.AnalogOutput(); len(aout) > 0 {
		f.analogOutput = append([]float64(nil), aout...)
	}

	if strings.HasPrefix(f.deviceType, "hidens") {
		f.plug = 0
		f.chipID = 1
		f.configuration = file.Configuration()
		f.gettable["configuration"] = true
		f.gettable["plug"] = true
		f.gettable["chip-id"] = true
	} else {
		f.gettable["analog-output"] = true
	}

	f.connectTime = time.Now()
	f.state = StateInitialized
	return true, ""
}

// StartStream arms the playback timer.
func (f *FileSource) StartStream() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateInitialized {
		return false, "Can only start stream from the 'initialized' state."
	}
	f.state = StateStreaming
	f.startTime = time.Now()
	f.stop = make(chan struct{})
	f.stopOnce = sync.Once{}
	f.running = true
	go f.playback(f.stop)
	return true, ""
}

// StopStream halts playback and rewinds to the start of the file.
func (f *FileSource) StopStream() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateStreaming {
		return false, "Can only stop stream from the 'streaming' state."
	}
	f.stopPlaybackLocked()
	f.state = StateInitialized
	f.startTime = time.Time{}
	f.cursor = 0
	return true, ""
}

// Set always fails: recorded files are immutable.
func (f *FileSource) Set(string, param.Value) (bool, string) {
	return false, "Cannot set parameters of a file data source."
}

// Close stops playback and closes the file.
func (f *FileSource) Close() error {
	f.mu.Lock()
	f.stopPlaybackLocked()
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file != nil {
		file.Close()
	}
	return f.Core.Close()
}

func (f *FileSource) stopPlaybackLocked() {
	if !f.running {
		return
	}
	f.running = false
	f.stopOnce.Do(func() { close(f.stop) })
}

// playback emits one frame per read interval until the stream is stopped
// or the file runs out of full frames.  A partial trailing frame is never
// emitted: playback stops just before it, rewinds, and reports the end of
// the file as a spontaneous stream stop.
func (f *FileSource) playback(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(f.ReadInterval()) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		frame, done, msg := f.readNextFrame()
		if done {
			if msg != "" {
				f.emit(Event{Type: EvStreamStopped, Success: true, Message: msg})
			}
			return
		}
		if frame != nil {
			f.emit(Event{Type: EvData, Frame: frame})
		}
	}
}

// readNextFrame advances the cursor by one frame.  It returns done=true
// when playback should end, with msg set if the end of the file was the
// reason.
func (f *FileSource) readNextFrame() (*Samples, bool, string) {
	f.mu.Lock()
	if f.state != StateStreaming || f.file == nil {
		f.mu.Unlock()
		return nil, true, ""
	}
	if f.cursor+uint64(f.frameSize) > f.nsamples {
		f.cursor = 0
		f.stopPlaybackLocked()
		f.state = StateInitialized
		f.startTime = time.Time{}
		f.mu.Unlock()
		return nil, true, "Reached end of source data file."
	}
	frame, err := f.file.Data(f.nchannels, f.cursor, f.cursor+uint64(f.frameSize))
	if err != nil {
		f.stopPlaybackLocked()
		f.mu.Unlock()
		f.fail("Error reading data from the source file: " + err.Error())
		return nil, true, ""
	}
	f.cursor += uint64(f.frameSize)
	f.mu.Unlock()
	return frame, false, ""
}
