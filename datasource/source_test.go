package datasource

import (
	"math"
	"strings"
	"testing"

	"github.com/mealab/datasource/param"
)

func newTestCore() *Core {
	return NewCore("none", "none", float32(math.NaN()), 10)
}

func TestBaseSourceGetState(t *testing.T) {
	c := newTestCore()
	v, ok, msg := c.Get("state")
	if !ok {
		t.Fatalf("get state failed: %s", msg)
	}
	if v.Str != StateInvalid {
		t.Errorf("fresh source state = %q, want %q", v.Str, StateInvalid)
	}

	status := c.Status()
	for name, want := range map[string]string{
		"state":       "invalid",
		"source-type": "none",
		"device-type": "none",
	} {
		got, present := status[name]
		if !present {
			t.Fatalf("status map is missing %q", name)
		}
		if got.Str != want {
			t.Errorf("status[%q] = %q, want %q", name, got.Str, want)
		}
	}
}

func TestBaseSourceUnknownParameter(t *testing.T) {
	c := newTestCore()
	_, ok, msg := c.Get("no-such-parameter")
	if ok {
		t.Fatal("get of an unknown parameter succeeded")
	}
	if !strings.Contains(msg, "no-such-parameter") {
		t.Errorf("error message %q does not name the parameter", msg)
	}
}

func TestInvalidTransitions(t *testing.T) {
	c := newTestCore()

	ok, msg := c.StartStream()
	if ok {
		t.Fatal("start stream succeeded from the invalid state")
	}
	if !strings.Contains(msg, "Can only start stream from") {
		t.Errorf("unexpected message: %q", msg)
	}
	if c.State() != StateInvalid {
		t.Errorf("state changed to %q after a refused transition", c.State())
	}

	if ok, _ := c.StopStream(); ok {
		t.Error("stop stream succeeded from the invalid state")
	}
	if ok, _ := c.Set("trigger", param.StringValue("none")); ok {
		t.Error("set succeeded on the base source")
	}
}

func TestStateMachineRoundTrip(t *testing.T) {
	c := newTestCore()
	if ok, msg := c.Initialize(); !ok {
		t.Fatalf("initialize failed: %s", msg)
	}
	if c.State() != StateInitialized {
		t.Fatalf("state = %q after initialize", c.State())
	}
	if ok, _ := c.Initialize(); ok {
		t.Error("second initialize succeeded")
	}
	if ok, msg := c.StartStream(); !ok {
		t.Fatalf("start stream failed: %s", msg)
	}
	if ok, msg := c.StopStream(); !ok {
		t.Fatalf("stop stream failed: %s", msg)
	}
	if c.State() != StateInitialized {
		t.Errorf("state = %q after stop stream", c.State())
	}
}

// Every entry in the status map must be gettable with an equal value.
func TestStatusMatchesGet(t *testing.T) {
	c := newTestCore()
	c.Initialize()
	for name, fromStatus := range c.Status() {
		fromGet, ok, msg := c.Get(name)
		if !ok {
			t.Errorf("get(%q) failed for a status entry: %s", name, msg)
			continue
		}
		if !fromGet.Equal(fromStatus) {
			t.Errorf("get(%q) = %+v, status entry = %+v", name, fromGet, fromStatus)
		}
	}
}

func TestErrorResetIsTerminal(t *testing.T) {
	c := newTestCore()
	c.Initialize()
	c.mu.Lock()
	c.gain = 1.5
	c.nchannels = 64
	c.plug = 2
	c.trigger = "photodiode"
	c.analogOutput = []float64{1, 2}
	c.mu.Unlock()

	c.fail("something broke")

	ev, open := <-c.Events()
	if !open {
		t.Fatal("events channel closed before the error was delivered")
	}
	if ev.Type != EvError || ev.Message != "something broke" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, open := <-c.Events(); open {
		t.Fatal("an event arrived after the terminal error")
	}

	if c.State() != StateInvalid {
		t.Errorf("state = %q after error", c.State())
	}
	if v, _, _ := c.Get("nchannels"); v.Uint != 0 {
		t.Errorf("nchannels = %d after reset", v.Uint)
	}
	if v, _, _ := c.Get("gain"); !math.IsNaN(float64(v.Float)) {
		t.Errorf("gain = %v after reset, want NaN", v.Float)
	}
	c.mu.Lock()
	if c.trigger != "none" {
		t.Errorf("trigger = %q after reset", c.trigger)
	}
	c.mu.Unlock()
	if v, _, _ := c.Get("connect-time"); v.Str != "" {
		t.Errorf("connect-time = %q after reset", v.Str)
	}
	if v, _, _ := c.Get("has-analog-output"); v.Bool {
		t.Error("analog output survived the reset")
	}

	// the bottleneck is idempotent on the closed channel
	c.fail("again")
}

func TestFactoryUnknownType(t *testing.T) {
	_, err := New("tape", "", 10)
	if err == nil {
		t.Fatal("creating an unknown source type succeeded")
	}
	if _, isInvalid := err.(*InvalidArgumentError); !isInvalid {
		t.Errorf("error has type %T, want *InvalidArgumentError", err)
	}
	if !strings.Contains(err.Error(), "tape") {
		t.Errorf("error %q does not name the requested type", err)
	}
}
