package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/mealab/datasource/datasource"
	"github.com/mealab/datasource/param"
)

// SourceSetup holds the arguments for a datasource.New call.
type SourceSetup struct {
	// Type selects the driver: "file", "hidens" or "mcs"
	Type string `yaml:"Type"`

	// Location is the data file path for file sources, or host:port of
	// the HiDens server.  MCS sources ignore it.
	Location string `yaml:"Location"`

	// ReadInterval is the frame duration in milliseconds
	ReadInterval uint32 `yaml:"ReadInterval"`
}

// Config holds the initialization parameters for the server.  It is to
// be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	Source SourceSetup `yaml:"Source"`
}

// srv adapts one data source to HTTP.  Request/reply operations go
// straight to the source, which serializes them internally; spontaneous
// events are fanned out to any connected stream clients.
type srv struct {
	src datasource.Source

	mu   sync.Mutex
	subs map[chan datasource.Event]struct{}
	dead bool
}

func newSrv(src datasource.Source) *srv {
	s := &srv{src: src, subs: map[chan datasource.Event]struct{}{}}
	go s.pump()
	return s
}

// pump forwards source events to stream subscribers.  A slow subscriber
// drops events rather than stalling the source.
func (s *srv) pump() {
	for ev := range s.src.Events() {
		if ev.Type == datasource.EvError {
			log.Println("source error:", ev.Message)
		}
		s.mu.Lock()
		for sub := range s.subs {
			select {
			case sub <- ev:
			default:
			}
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.dead = true
	for sub := range s.subs {
		close(sub)
		delete(s.subs, sub)
	}
	s.mu.Unlock()
}

func (s *srv) subscribe() (chan datasource.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, false
	}
	sub := make(chan datasource.Event, 16)
	s.subs[sub] = struct{}{}
	return sub, true
}

func (s *srv) unsubscribe(sub chan datasource.Event) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
	}
	s.mu.Unlock()
}

func replyOutcome(w http.ResponseWriter, ok bool, msg string) {
	if !ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	if msg != "" {
		fmt.Fprintln(w, msg)
	}
}

func (s *srv) initialize(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.src.Initialize()
	replyOutcome(w, ok, msg)
}

func (s *srv) startStream(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.src.StartStream()
	replyOutcome(w, ok, msg)
}

func (s *srv) stopStream(w http.ResponseWriter, r *http.Request) {
	ok, msg := s.src.StopStream()
	replyOutcome(w, ok, msg)
}

func (s *srv) status(w http.ResponseWriter, r *http.Request) {
	obj := map[string]interface{}{}
	for name, v := range s.src.Status() {
		obj[name] = displayValue(v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Println("encoding status:", err)
	}
}

func (s *srv) getParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, ok, msg := s.src.Get(name)
	if !ok {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	buf, err := param.Serialize(name, v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

func (s *srv) setParam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := param.Deserialize(name, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, msg := s.src.Set(name, v)
	replyOutcome(w, ok, msg)
}

// stream writes data frames as they arrive, each as two little-endian
// uint32s (channel count, frame size) followed by the channel-major
// int16 samples.  The response stays open until the client goes away or
// the source dies.
func (s *srv) stream(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	sub, ok := s.subscribe()
	if !ok {
		http.Error(w, "the data source is no longer running", http.StatusGone)
		return
	}
	defer s.unsubscribe(sub)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			if ev.Type != datasource.EvData {
				continue
			}
			var head [8]byte
			binary.LittleEndian.PutUint32(head[0:], uint32(ev.Frame.NChannels))
			binary.LittleEndian.PutUint32(head[4:], uint32(ev.Frame.FrameSize))
			if _, err := w.Write(head[:]); err != nil {
				return
			}
			if err := binary.Write(w, binary.LittleEndian, ev.Frame.Data); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// displayValue renders a parameter value for the JSON status document.
// Unset float attributes carry a NaN sentinel, which JSON cannot encode;
// those render as null.
func displayValue(v param.Value) interface{} {
	switch v.Kind {
	case param.String:
		return v.Str
	case param.Uint:
		return v.Uint
	case param.Bool:
		return v.Bool
	case param.Float:
		f := float64(v.Float)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return v.Float
	case param.Vector:
		return v.Vector
	case param.Config:
		indices := make([]uint32, len(v.Config))
		for i, el := range v.Config {
			indices[i] = el.Index
		}
		return indices
	}
	return nil
}

// BuildMux creates the configured data source and the router serving
// it.
func BuildMux(c Config) (chi.Router, error) {
	src, err := datasource.New(c.Source.Type, c.Source.Location, c.Source.ReadInterval)
	if err != nil {
		return nil, err
	}
	s := newSrv(src)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Get("/status", s.status)
	root.Get("/parameters/{name}", s.getParam)
	root.Post("/parameters/{name}", s.setParam)
	root.Post("/initialize", s.initialize)
	root.Post("/start-stream", s.startStream)
	root.Post("/stop-stream", s.stopStream)
	root.Get("/stream", s.stream)
	return root, nil
}
