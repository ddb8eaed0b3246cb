package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// EncodePCM16LE appends samples to dst as little-endian 16-bit PCM, copying
// each mono sample to every output channel.
func EncodePCM16LE(dst []byte, samples []int16, channels int) []byte {
	if channels < 1 {
		channels = 1
	}
	for _, s := range samples {
		for c := 0; c < channels; c++ {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	}
	return dst
}

// Stream turns the engine's blocking chunk writes into an io.Reader for the
// pull-based backends. WriteSamples blocks until the reader has consumed the
// chunk, which paces the engine at the device rate.
type Stream struct {
	pr       *io.PipeReader
	pw       *io.PipeWriter
	channels int
	buf      []byte
}

func NewStream(channels int) *Stream {
	pr, pw := io.Pipe()
	return &Stream{pr: pr, pw: pw, channels: channels}
}

func (s *Stream) WriteSamples(p []int16) error {
	s.buf = EncodePCM16LE(s.buf[:0], p, s.channels)
	_, err := s.pw.Write(s.buf)
	return err
}

func (s *Stream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close unblocks both ends; pending writes fail with io.ErrClosedPipe.
func (s *Stream) Close() error {
	s.pw.Close()
	return s.pr.Close()
}

// Output is a live device sink for the synthesis engine.
type Output interface {
	WriteSamples(p []int16) error
	Play()
	Pause()
	Close() error
}

func errSampleRate(have, want int) error {
	return fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", have, want)
}

// Player plays a Stream through the ebiten audio context.
type Player struct {
	*Stream
	player *ebitaudio.Player
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, errSampleRate(audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// NewPlayer opens a stereo 16-bit stream on the shared ebiten context. A
// positive bufferSize bounds the device-side latency.
func NewPlayer(sampleRate int, bufferSize time.Duration) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	stream := NewStream(2)
	pl, err := ctx.NewPlayer(stream)
	if err != nil {
		return nil, err
	}
	if bufferSize > 0 {
		pl.SetBufferSize(bufferSize)
	}
	return &Player{Stream: stream, player: pl}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }
func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position returns the current playback position (what the listener actually hears).
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Close() error {
	p.player.Pause()
	// Close the stream first so a writer blocked in WriteSamples returns.
	err := p.Stream.Close()
	if cerr := p.player.Close(); err == nil {
		err = cerr
	}
	return err
}
