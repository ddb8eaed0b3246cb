package audio

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoPlayer plays a Stream directly through oto, without the ebiten layer.
type OtoPlayer struct {
	*Stream
	player *oto.Player
}

var (
	otoContextOnce sync.Once
	otoContext     *oto.Context
	otoContextErr  error
	otoSampleRate  int
)

// oto allows a single context per process.
func sharedOtoContext(sampleRate int, bufferSize time.Duration) (*oto.Context, error) {
	otoContextOnce.Do(func() {
		otoSampleRate = sampleRate
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferSize,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoContextErr = err
			return
		}
		<-ready
		otoContext = ctx
	})
	if otoContextErr != nil {
		return nil, otoContextErr
	}
	if otoSampleRate != sampleRate {
		return nil, errSampleRate(otoSampleRate, sampleRate)
	}
	return otoContext, nil
}

func NewOtoPlayer(sampleRate int, bufferSize time.Duration) (*OtoPlayer, error) {
	ctx, err := sharedOtoContext(sampleRate, bufferSize)
	if err != nil {
		return nil, err
	}
	stream := NewStream(2)
	return &OtoPlayer{Stream: stream, player: ctx.NewPlayer(stream)}, nil
}

func (p *OtoPlayer) Play()           { p.player.Play() }
func (p *OtoPlayer) Pause()          { p.player.Pause() }
func (p *OtoPlayer) IsPlaying() bool { return p.player.IsPlaying() }

func (p *OtoPlayer) Close() error {
	p.player.Pause()
	err := p.Stream.Close()
	if cerr := p.player.Close(); err == nil {
		err = cerr
	}
	return err
}
