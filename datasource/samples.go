package datasource

// Samples is one frame of data, shaped (nchannels, frameSize) with
// channel-major layout: all samples of channel 0, then channel 1, and so
// on.  Consumers rely on this layout.
type Samples struct {
	NChannels int
	FrameSize int

	// Data holds NChannels*FrameSize elements, channel-major.
	Data []int16
}

// NewSamples allocates a zeroed frame.
func NewSamples(nchannels, frameSize int) *Samples {
	return &Samples{
		NChannels: nchannels,
		FrameSize: frameSize,
		Data:      make([]int16, nchannels*frameSize),
	}
}

// At returns the sample at (channel, index).
func (s *Samples) At(channel, index int) int16 {
	return s.Data[channel*s.FrameSize+index]
}

// Set stores a sample at (channel, index).
func (s *Samples) Set(channel, index int, v int16) {
	s.Data[channel*s.FrameSize+index] = v
}

// Negate inverts the polarity of every sample in place.
func (s *Samples) Negate() {
	for i := range s.Data {
		s.Data[i] = -s.Data[i]
	}
}
