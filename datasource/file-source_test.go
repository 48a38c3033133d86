package datasource

import (
	"errors"
	"testing"
	"time"

	"github.com/mealab/datasource/electrode"
	"github.com/mealab/datasource/param"
)

type fakeRecording struct {
	array      string
	sampleRate float32
	gain       float32
	adcRange   float32
	nchannels  uint32
	nsamples   uint64
	aout       []float64
	config     electrode.Configuration
	closed     bool
}

func (f *fakeRecording) Array() string                          { return f.array }
func (f *fakeRecording) SampleRate() float32                    { return f.sampleRate }
func (f *fakeRecording) Gain() float32                          { return f.gain }
func (f *fakeRecording) ADCRange() float32                      { return f.adcRange }
func (f *fakeRecording) NChannels() uint32                      { return f.nchannels }
func (f *fakeRecording) NSamples() uint64                       { return f.nsamples }
func (f *fakeRecording) AnalogOutput() []float64                { return f.aout }
func (f *fakeRecording) Configuration() electrode.Configuration { return f.config }
func (f *fakeRecording) Close() error                           { f.closed = true; return nil }

func (f *fakeRecording) Data(nchannels uint32, start, end uint64) (*Samples, error) {
	s := NewSamples(int(nchannels), int(end-start))
	for c := 0; c < s.NChannels; c++ {
		for i := 0; i < s.FrameSize; i++ {
			s.Set(c, i, int16(start)+int16(i))
		}
	}
	return s, nil
}

// installRecording points the file opener at a fake for the duration of
// one test.
func installRecording(t *testing.T, rec *fakeRecording, err error) {
	t.Helper()
	prev := OpenRecording
	OpenRecording = func(string) (RecordingFile, error) {
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	t.Cleanup(func() { OpenRecording = prev })
}

func testRecording() *fakeRecording {
	return &fakeRecording{
		array:      "hexagonal",
		sampleRate: 10000,
		gain:       1.5,
		adcRange:   5,
		nchannels:  64,
		nsamples:   100000,
		aout:       []float64{0, 1, 2},
	}
}

func TestFileSourceLifecycle(t *testing.T) {
	installRecording(t, testRecording(), nil)
	src, err := New("file", "test-file.h5", 10)
	if err != nil {
		t.Fatal("could not create file source:", err)
	}
	defer src.Close()

	if ok, msg := src.Initialize(); !ok {
		t.Fatalf("initialize failed: %s", msg)
	}
	if v, _, _ := src.Get("state"); v.Str != StateInitialized {
		t.Fatalf("state = %q after initialize", v.Str)
	}
	if v, ok, _ := src.Get("sample-rate"); !ok || v.Float != 10000 {
		t.Errorf("sample-rate = %v, want 10000", v.Float)
	}
	if src.DeviceType() != "hexagonal" {
		t.Errorf("device-type = %q, want hexagonal", src.DeviceType())
	}
	if v, ok, _ := src.Get("has-analog-output"); !ok || !v.Bool {
		t.Error("has-analog-output = false, want true")
	}

	if ok, msg := src.StartStream(); !ok {
		t.Fatalf("start stream failed: %s", msg)
	}
	select {
	case ev := <-src.Events():
		if ev.Type != EvData {
			t.Fatalf("first event has type %v, want EvData", ev.Type)
		}
		if ev.Frame.NChannels != 64 || ev.Frame.FrameSize != 100 {
			t.Errorf("frame shape = (%d, %d), want (64, 100)",
				ev.Frame.NChannels, ev.Frame.FrameSize)
		}
	case <-time.After(time.Second):
		t.Fatal("no data arrived within the read interval")
	}

	if ok, msg := src.StopStream(); !ok {
		t.Fatalf("stop stream failed: %s", msg)
	}
	if v, _, _ := src.Get("state"); v.Str != StateInitialized {
		t.Errorf("state = %q after stop stream", v.Str)
	}
}

func TestFileSourceRefusesSet(t *testing.T) {
	installRecording(t, testRecording(), nil)
	src := NewFileSource("test-file.h5", 10)
	defer src.Close()
	src.Initialize()

	ok, msg := src.Set("trigger", param.StringValue("photodiode"))
	if ok {
		t.Fatal("set succeeded on a file source")
	}
	if msg != "Cannot set parameters of a file data source." {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestFileSourceEndOfFile(t *testing.T) {
	rec := testRecording()
	rec.nsamples = 250 // two full frames and a partial one at 10 ms / 10 kHz
	installRecording(t, rec, nil)
	src := NewFileSource("test-file.h5", 10)
	defer src.Close()
	src.Initialize()
	if ok, msg := src.StartStream(); !ok {
		t.Fatalf("start stream failed: %s", msg)
	}

	frames := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-src.Events():
			switch ev.Type {
			case EvData:
				frames++
			case EvStreamStopped:
				if !ev.Success || ev.Message != "Reached end of source data file." {
					t.Fatalf("unexpected stop event: %+v", ev)
				}
				// the partial trailing frame must not be emitted
				if frames != 2 {
					t.Errorf("got %d frames before end of file, want 2", frames)
				}
				if v, _, _ := src.Get("state"); v.Str != StateInitialized {
					t.Errorf("state = %q after end of file", v.Str)
				}
				return
			default:
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-deadline:
			t.Fatal("playback never reached the end of the file")
		}
	}
}

func TestFileSourceHidensRecording(t *testing.T) {
	rec := testRecording()
	rec.array = "hidens"
	rec.aout = nil
	rec.config = electrode.Configuration{{Index: 7, X: 1, Y: 2, Label: 'A'}}
	installRecording(t, rec, nil)
	src := NewFileSource("test-file.h5", 10)
	defer src.Close()
	if ok, msg := src.Initialize(); !ok {
		t.Fatalf("initialize failed: %s", msg)
	}

	if v, ok, _ := src.Get("plug"); !ok || v.Uint != 0 {
		t.Errorf("plug = %v, want 0", v.Uint)
	}
	if v, ok, _ := src.Get("chip-id"); !ok || v.Uint != 1 {
		t.Errorf("chip-id = %v, want 1", v.Uint)
	}
	v, ok, msg := src.Get("configuration")
	if !ok {
		t.Fatalf("get configuration failed: %s", msg)
	}
	if len(v.Config) != 1 || v.Config[0].Index != 7 {
		t.Errorf("unexpected configuration: %+v", v.Config)
	}
	// non-hidens extras must not leak in
	if _, ok, _ := src.Get("analog-output"); ok {
		t.Error("analog-output is gettable on a hidens file")
	}
}

func TestFileSourceOpenFailure(t *testing.T) {
	installRecording(t, nil, errors.New("The requested data file does not exist."))
	src := NewFileSource("missing.h5", 10)
	defer src.Close()
	ok, msg := src.Initialize()
	if ok {
		t.Fatal("initialize succeeded with a failing opener")
	}
	if msg != "The requested data file does not exist." {
		t.Errorf("unexpected message: %q", msg)
	}
	if src.State() != StateInvalid {
		t.Errorf("state = %q after failed initialize", src.State())
	}
}
