// Package audio is the PCM output stage (the sink the "Output" worker
// thread of the radio supervisor, C10, writes to). It mirrors the
// original's AudioOutput hierarchy -- a small interface with file,
// WAV, and ALSA-backed implementations -- but with the two concrete
// backends idiomatic Go would actually reach for: gordonklaus/portaudio
// for real playback, and an in-memory recorder for tests.
package audio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// SampleRate is the PCM output rate; the external interface is fixed
// at 48 kHz interleaved stereo.
const SampleRate = 48000

// Channels is the number of interleaved channels portaudio opens.
const Channels = 2

// Sink accepts interleaved f64 PCM samples in [-1, +1] and plays or
// records them. Mono sources must duplicate their one channel into
// both slots before calling Write.
type Sink interface {
	Write(samples []float64) error
	Close() error
}

// EncodeInt16LE clamps each sample to [-1, +1], scales to a signed
// 16-bit range, and appends its little-endian bytes to buf, matching
// the wire encoding the original's samplesToInt16 produced.
func EncodeInt16LE(samples []float64, buf []byte) []byte {
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	return buf
}

// framesPerBuffer is the fixed block size of the interleaved buffer
// handed to portaudio's blocking Write API; arbitrary-length Write
// calls are chunked into it.
const framesPerBuffer = 1024

// PortAudioSink plays interleaved stereo PCM through the default
// output device via portaudio's blocking API.
type PortAudioSink struct {
	stream *portaudio.Stream
	buf    []float32
}

// OpenPortAudio initializes portaudio and opens a blocking stereo
// output stream at SampleRate. Callers must call Close to release the
// device and terminate portaudio.
func OpenPortAudio() (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	buf := make([]float32, framesPerBuffer*Channels)
	stream, err := portaudio.OpenDefaultStream(0, Channels, SampleRate, framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}
	return &PortAudioSink{stream: stream, buf: buf}, nil
}

// Write blocks until the whole interleaved buffer has been written to
// the device, chunked into framesPerBuffer-sized writes.
func (s *PortAudioSink) Write(samples []float64) error {
	for len(samples) > 0 {
		n := copy(s.buf, samplesToFloat32(samples))
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

func samplesToFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = float32(v)
	}
	return out
}

func (s *PortAudioSink) Close() error {
	if err := s.stream.Stop(); err != nil {
		return err
	}
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}

// MemorySink records every Write call for use in tests, in place of a
// real output device.
type MemorySink struct {
	mu      sync.Mutex
	samples []float64
	closed  bool
}

// NewMemorySink returns an empty recording sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

var errSinkClosed = errors.New("audio: sink is closed")

func (s *MemorySink) Write(samples []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Samples returns every sample written so far, for test assertions.
func (s *MemorySink) Samples() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.samples))
	copy(out, s.samples)
	return out
}

var (
	_ Sink = (*PortAudioSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
