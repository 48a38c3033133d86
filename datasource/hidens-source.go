package datasource

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mealab/datasource/comm"
	"github.com/mealab/datasource/electrode"
	"github.com/mealab/datasource/param"
)

// HiDens system constants.
const (
	// HidensAddr and HidensPort locate the HiDens data server.
	HidensAddr = "11.0.0.1"
	HidensPort = 11112

	// FpgaAddr and FpgaPort locate the FPGA that accepts configuration
	// uploads, a separate endpoint from the data server.
	FpgaAddr = "11.0.0.7"
	FpgaPort = 32124

	// RequestWaitTime bounds each blocking wait for a server reply.
	RequestWaitTime = 100 * time.Millisecond

	// FpgaTimeout bounds each write during the FPGA handshake.
	FpgaTimeout = time.Second

	// fpgaUploadTimeout caps the whole background configuration upload,
	// connection included.  The FPGA needs a settle period after
	// connecting, which is why the upload runs in the background.
	fpgaUploadTimeout = 10 * time.Second

	// HidensSampleRate is the sampling rate of the HiDens system in Hz.
	HidensSampleRate = 20000.

	// hidensFrameBytes is the size of one raw frame from the server: one
	// byte per possible channel plus the distributed photodiode bytes.
	hidensFrameBytes = 131

	// hidensTotalChannels is the number of channels that can carry
	// electrode data.
	hidensTotalChannels = 126

	// The photodiode signal is a single bit of the last byte per frame.
	// Which bit depends on the LVDS adapter pin the stimulus line is
	// wired to.
	photodiodeMask = 0x08
	photodiodeHigh = 255
	photodiodeLow  = 0

	// invalidChipID is the id the server reports for an empty plug.
	invalidChipID = 65535
)

// HidensSource is a client of the HiDens data server.  It speaks the
// server's newline-framed ASCII command protocol on one TCP connection
// and uploads chip configurations to the FPGA on another.
type HidensSource struct {
	*Core

	dev      *comm.Device
	fpgaAddr string

	// cmdMu serializes exchanges on dev, which is not safe for
	// concurrent use: one request/reply or one streaming drain at a
	// time.  Locked before mu when both are needed.
	cmdMu sync.Mutex

	// uploading is true while a background configuration upload is in
	// flight; streaming cannot start until it completes.
	uploading bool

	// deviceGain is the on-chip ADC gain, the reply to "gain 0".
	deviceGain float32

	// electrodeIndices holds, per raw frame byte, the index of the
	// electrode wired to that channel, or -1 if unconnected.  The last
	// slot is always the photodiode.
	electrodeIndices []int

	// channelIndices is the ordered list of raw frame rows to emit.
	channelIndices []int

	// pending accumulates raw bytes between ticks until a full frame
	// is available.
	pending []byte

	stop     chan struct{}
	stopOnce sync.Once
	running  bool
}

// NewHidensSource creates a client of the HiDens server at addr, which
// may be empty to select the default address, or a bare host to select
// the default port.
func NewHidensSource(addr string, readInterval uint32) *HidensSource {
	if addr == "" {
		addr = HidensAddr
	}
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, strconv.Itoa(HidensPort))
	}
	h := &HidensSource{
		Core:             NewCore("hidens", "hidens", HidensSampleRate, readInterval),
		dev:              comm.NewDevice(addr, RequestWaitTime),
		fpgaAddr:         net.JoinHostPort(FpgaAddr, strconv.Itoa(FpgaPort)),
		electrodeIndices: make([]int, hidensFrameBytes),
	}
	h.resetElectrodeIndices()
	h.location = addr
	for _, name := range []string{"configuration", "configuration-file", "plug"} {
		h.gettable[name] = true
		h.settable[name] = true
	}
	h.gettable["chip-id"] = true
	h.gettable["location"] = true
	return h
}

func (h *HidensSource) resetElectrodeIndices() {
	for i := range h.electrodeIndices {
		h.electrodeIndices[i] = -1
	}
	h.electrodeIndices[hidensFrameBytes-1] = 1 // photodiode channel
}

// Initialize connects to the server and negotiates the stream format:
// per-frame byte count, no frame-number headers, and our client name.
// It then reads the sampling rate, device gain and ADC range.
func (h *HidensSource) Initialize() (bool, string) {
	h.mu.Lock()
	if h.state != StateInvalid {
		h.mu.Unlock()
		return false, "Can only initialize from the 'invalid' state."
	}
	h.mu.Unlock()

	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	if err := h.dev.Open(); err != nil {
		return false, "Could not connect to HiDens data server."
	}

	const setupErr = "Error initializing communication with HiDens data server."
	for _, cmd := range []string{
		fmt.Sprintf("setbytes %d", hidensFrameBytes),
		"header_frameno off",
		"client_name blds",
	} {
		reply, err := h.dev.SendRecv(cmd)
		if err != nil {
			return false, h.transportFail(err)
		}
		if !verifyReply(reply) {
			h.dev.Close()
			return false, setupErr
		}
	}

	sr, ok, msg := h.queryFloat("sr",
		"Could not retrieve sampling rate from HiDens server. "+
			"Make sure the server is running and a chip is plugged into the Neurolizer.")
	if !ok {
		return false, msg
	}
	deviceGain, ok, msg := h.queryFloat("gain 0",
		"Could not retrieve gain from HiDens server. "+
			"Make sure the server is running and a chip is plugged into the Neurolizer.")
	if !ok {
		return false, msg
	}
	adcRange, ok, msg := h.queryFloat("adc_range",
		"Could not retrieve ADC range from HiDens server. "+
			"Make sure the server is running and a chip is plugged into the Neurolizer.")
	if !ok {
		return false, msg
	}

	h.mu.Lock()
	h.sampleRate = sr
	h.updateFrameSize()
	h.deviceGain = deviceGain
	h.adcRange = adcRange
	h.gain = adcRange / 256. / deviceGain
	h.connectTime = time.Now()
	h.state = StateInitialized
	h.mu.Unlock()
	return true, ""
}

// queryFloat issues one command whose reply must parse as a float.
func (h *HidensSource) queryFloat(cmd, failMsg string) (float32, bool, string) {
	reply, err := h.dev.SendRecv(cmd)
	if err != nil {
		return 0, false, h.transportFail(err)
	}
	v, perr := strconv.ParseFloat(strings.TrimSpace(reply), 32)
	if !verifyReply(reply) || perr != nil {
		h.dev.Close()
		return 0, false, failMsg
	}
	return float32(v), true, ""
}

// StartStream validates the plug, configuration and gain, asks the
// server to go live, and begins draining frames.
func (h *HidensSource) StartStream() (bool, string) {
	h.mu.Lock()
	if h.state != StateInitialized {
		h.mu.Unlock()
		return false, "Can only start stream from the 'initialized' state."
	}
	if h.uploading {
		h.mu.Unlock()
		return false, "Cannot start HiDens data stream while a configuration upload is in progress."
	}
	if h.plug > 4 {
		h.mu.Unlock()
		return false, fmt.Sprintf("Cannot start HiDens data stream with source plug = %d", h.plug)
	}
	if len(h.configuration) == 0 {
		h.mu.Unlock()
		return false, "Cannot initialize HiDens source with empty configuration."
	}
	gain := float64(h.gain)
	if math.IsNaN(gain) || gain <= 0. || gain > 10000. {
		h.mu.Unlock()
		return false, fmt.Sprintf("Cannot initialize HiDens source with gain = %g", gain)
	}
	interval := h.readInterval
	h.mu.Unlock()

	h.cmdMu.Lock()
	err := h.dev.SendLine(fmt.Sprintf("live %d", interval))
	h.cmdMu.Unlock()
	if err != nil {
		return false, h.transportFail(err)
	}

	h.mu.Lock()
	h.state = StateStreaming
	h.startTime = time.Now()
	h.stop = make(chan struct{})
	h.stopOnce = sync.Once{}
	h.running = true
	stop := h.stop
	h.mu.Unlock()
	go h.streamLoop(stop, interval)
	return true, ""
}

// StopStream halts the read timer.  Data already queued on the socket is
// left to drain on the next start.
func (h *HidensSource) StopStream() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStreaming {
		return false, "Can only stop stream from the 'streaming' state."
	}
	h.stopStreamingLocked()
	h.state = StateInitialized
	h.startTime = time.Time{}
	h.pending = nil
	return true, ""
}

func (h *HidensSource) stopStreamingLocked() {
	if !h.running {
		return
	}
	h.running = false
	h.stopOnce.Do(func() { close(h.stop) })
}

// Set handles the HiDens-settable parameters: plug, configuration-file,
// and (nominally) configuration.
func (h *HidensSource) Set(name string, value param.Value) (bool, string) {
	h.mu.Lock()
	if !h.settable[name] {
		h.mu.Unlock()
		return false, fmt.Sprintf("Cannot set parameter %q for HiDens sources.", name)
	}
	if h.state != StateInitialized {
		h.mu.Unlock()
		return false, "Can only set parameters while in the 'initialized' state."
	}
	switch name {
	case "plug":
		h.mu.Unlock()
		return h.setPlug(value)
	case "configuration":
		h.mu.Unlock()
		return false, "Setting Hidens configurations directly from the command bytes " +
			"is not yet supported. Set it via the 'configuration-file' parameter " +
			"until this is implemented."
	case "configuration-file":
		plug := h.plug
		h.mu.Unlock()
		return h.setConfigurationFile(plug, value)
	}
	h.mu.Unlock()
	return false, "The requested parameter is not supported for HiDens sources."
}

// setPlug selects a Neurolizer plug on the server and verifies a chip is
// present in it, then refreshes the configuration for that chip.
func (h *HidensSource) setPlug(value param.Value) (bool, string) {
	invalidMsg := "The plug value was not an integer or outside the allowed range [0, 4]."
	if value.Kind != param.Uint || value.Uint > 4 {
		h.mu.Lock()
		h.plug = unsetUint
		h.mu.Unlock()
		return false, invalidMsg
	}

	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()
	reply, err := h.dev.SendRecv(fmt.Sprintf("select %d", value.Uint))
	if err != nil {
		return false, h.transportFail(err)
	}
	if !verifyReply(reply) {
		h.mu.Lock()
		h.plug = unsetUint
		h.mu.Unlock()
		return false, "The requested plug does not contain a chip."
	}

	// verify a chip is plugged in to the requested slot
	reply, err = h.dev.SendRecv("id")
	if err != nil {
		return false, h.transportFail(err)
	}
	id, perr := strconv.ParseUint(strings.TrimSpace(reply), 10, 32)
	if perr != nil || id == invalidChipID {
		return false, "The chip in the requested plug appears invalid."
	}

	h.mu.Lock()
	h.plug = value.Uint
	h.chipID = uint32(id)
	h.mu.Unlock()

	if err := h.fetchConfiguration(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// setConfigurationFile validates the file and hands it to the background
// uploader.  The acceptance reply is immediate; the outcome arrives later
// as a set-response event for "configuration".
func (h *HidensSource) setConfigurationFile(plug uint32, value param.Value) (bool, string) {
	if plug == unsetUint {
		return false, "Must select a Neurolizer plug before setting configuration."
	}
	path := value.Str
	if !strings.HasSuffix(path, ".cmdraw.nrk2") {
		return false, `Configuration files must be in "*.cmdraw.nrk2" format`
	}
	if _, err := os.Stat(path); err != nil {
		return false, fmt.Sprintf("Configuration file %q does not exist.", path)
	}
	h.mu.Lock()
	h.uploading = true
	h.mu.Unlock()
	go h.uploadConfiguration(path)
	return true, ""
}

// uploadConfiguration runs the background upload: push the file to the
// FPGA, then complete on the command connection.  The upload itself
// touches only the path and the FPGA address.
func (h *HidensSource) uploadConfiguration(path string) {
	h.completeUpload(path, sendConfigToFpga(path, h.fpgaAddr))
}

// completeUpload records the outcome of an upload and, on success,
// refreshes the configuration from the data server.  The server requires
// the refresh twice.  The refresh holds the command mutex, and streaming
// cannot have started while the upload was in flight, so the exchange
// never interleaves with other traffic on the shared socket.
func (h *HidensSource) completeUpload(path string, sent bool) {
	defer func() {
		h.mu.Lock()
		h.uploading = false
		h.mu.Unlock()
	}()
	if !sent {
		h.mu.Lock()
		h.configurationFile = ""
		h.mu.Unlock()
		h.emit(Event{
			Type:    EvSetResponse,
			Param:   "configuration",
			Message: "Could not send the configuration to the server.",
		})
		return
	}
	h.mu.Lock()
	h.configurationFile = path
	h.mu.Unlock()
	h.cmdMu.Lock()
	for i := 0; i < 2; i++ {
		if err := h.fetchConfiguration(); err != nil {
			h.cmdMu.Unlock()
			return
		}
	}
	h.cmdMu.Unlock()
	h.emit(Event{Type: EvSetResponse, Param: "configuration", Success: true})
}

// sendConfigToFpga opens a fresh connection to the FPGA and writes the
// whole configuration file to it.
func sendConfigToFpga(path, addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, fpgaUploadTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	deadline := time.Now().Add(fpgaUploadTimeout)
	for len(data) > 0 {
		conn.SetWriteDeadline(time.Now().Add(FpgaTimeout))
		if time.Now().After(deadline) {
			return false
		}
		n, err := conn.Write(data)
		if err != nil {
			return false
		}
		data = data[n:]
	}
	return true
}

// fetchConfiguration asks the server which electrode is wired to each of
// the 126 channels and rebuilds the configuration from the static
// electrode table.  Any transport failure is fatal.
func (h *HidensSource) fetchConfiguration() error {
	retrieveErr := errors.New("Could not retrieve configuration from HiDens server.")
	if err := h.dev.SendLine(fmt.Sprintf("ch 0-%d", hidensTotalChannels-1)); err != nil {
		return errors.New(h.transportFail(err))
	}

	entries := make([]string, hidensTotalChannels)
	for i := range entries {
		line, err := h.dev.RecvLine()
		if err != nil {
			return errors.New(h.transportFail(err))
		}
		// an empty entry is a legal unconnected channel; only an
		// explicit error reply aborts
		if i == 0 && strings.HasPrefix(line, "Error") {
			h.dev.Close()
			h.fail(retrieveErr.Error())
			return retrieveErr
		}
		entries[i] = strings.TrimRight(line, " ")
	}

	h.mu.Lock()
	h.resetElectrodeIndices()
	nchannels := 0
	for i, entry := range entries {
		if entry == "" {
			continue // unconnected channel
		}
		idx, err := strconv.Atoi(entry)
		if err != nil {
			h.mu.Unlock()
			h.dev.Close()
			h.fail(retrieveErr.Error())
			return retrieveErr
		}
		h.electrodeIndices[i] = idx
		nchannels++
	}

	// convert channel numbers to buffer row indices, keeping the photodiode
	h.channelIndices = h.channelIndices[:0]
	for i, idx := range h.electrodeIndices {
		if idx > 0 {
			h.channelIndices = append(h.channelIndices, i)
		}
	}
	h.nchannels = uint32(len(h.channelIndices))

	cfg := make(electrode.Configuration, 0, nchannels)
	for i := 0; i < hidensTotalChannels; i++ {
		if h.electrodeIndices[i] < 0 {
			continue
		}
		el, err := electrode.Lookup(uint32(h.electrodeIndices[i]))
		if err != nil {
			h.mu.Unlock()
			h.dev.Close()
			h.fail(retrieveErr.Error())
			return retrieveErr
		}
		cfg = append(cfg, el)
	}
	h.configuration = cfg
	h.mu.Unlock()
	return nil
}

// streamLoop drains frames from the socket once per read interval and
// asks the server to queue the next batch.
func (h *HidensSource) streamLoop(stop chan struct{}, interval uint32) {
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		h.cmdMu.Lock()
		frames, ok := h.recvFrames()
		if !ok {
			h.cmdMu.Unlock()
			return
		}
		err := h.dev.SendLine(fmt.Sprintf("stream %d", interval))
		h.cmdMu.Unlock()
		if err != nil {
			h.transportFail(err)
			return
		}
		for _, frame := range frames {
			h.emit(Event{Type: EvData, Frame: frame})
		}
	}
}

// recvFrames reads every complete frame the server has delivered so far.
// Caller holds cmdMu.
func (h *HidensSource) recvFrames() ([]*Samples, bool) {
	h.mu.Lock()
	if h.state != StateStreaming {
		h.mu.Unlock()
		return nil, false
	}
	frameSize := h.frameSize
	rows := append([]int(nil), h.channelIndices...)
	h.mu.Unlock()

	frameBytes := frameSize * hidensFrameBytes
	scratch := make([]byte, frameBytes*2)
	var raw []byte
	for {
		n, err := h.dev.ReadAvailable(scratch, time.Millisecond)
		if err != nil {
			h.transportFail(err)
			return nil, false
		}
		raw = append(raw, scratch[:n]...)
		// A full scratch buffer means the socket may still hold
		// more; drain until the read comes back short.
		if n < len(scratch) {
			break
		}
	}

	h.mu.Lock()
	h.pending = append(h.pending, raw...)
	var frames []*Samples
	for len(h.pending) >= frameBytes {
		frames = append(frames, buildFrame(h.pending[:frameBytes], rows, frameSize))
		h.pending = h.pending[frameBytes:]
	}
	h.mu.Unlock()
	return frames, true
}

// buildFrame selects the connected rows from one raw frame, converts the
// photodiode byte to its two-level form, and inverts the polarity.  The
// wire layout is one hidensFrameBytes segment per sample, one byte per
// channel within the segment.
func buildFrame(raw []byte, rows []int, frameSize int) *Samples {
	frame := NewSamples(len(rows), frameSize)
	for s := 0; s < frameSize; s++ {
		base := s * hidensFrameBytes
		for c, row := range rows {
			v := raw[base+row]
			if row == hidensFrameBytes-1 {
				if v&photodiodeMask != 0 {
					v = photodiodeHigh
				} else {
					v = photodiodeLow
				}
			}
			frame.Set(c, s, -int16(v))
		}
	}
	return frame
}

// transportFail drops the connection and invokes the error bottleneck,
// returning the message it reported.
func (h *HidensSource) transportFail(err error) string {
	msg := "Error sending request to HiDens data server."
	if err == comm.ErrTimeout {
		msg = "Communication with the HiDens data server timed out."
	}
	h.dev.Close()
	h.fail(msg)
	return msg
}

// Close drops the server connection and stops streaming.
func (h *HidensSource) Close() error {
	h.mu.Lock()
	h.stopStreamingLocked()
	h.mu.Unlock()
	h.dev.Close()
	return h.Core.Close()
}

func verifyReply(reply string) bool {
	return reply != "" && !strings.HasPrefix(reply, "Error")
}
