package mmltone

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	intmml "github.com/cbegin/mmltone-go/internal/mml"
	intseq "github.com/cbegin/mmltone-go/internal/sequencer"
	intsynth "github.com/cbegin/mmltone-go/internal/synth"
	"github.com/cbegin/mmltone-go/internal/tone"
)

var (
	ErrInvalidChannel = errors.New("mmltone: channel out of range")
	ErrQueueFull      = errors.New("mmltone: tone queue full")
	ErrInvalidTone    = errors.New("mmltone: invalid tone parameters")
)

// AllChannels selects every channel in SetMasterVolume.
const AllChannels = -1

// Noise passed as a frequency to QueueTone or DirectTone plays white noise.
const Noise = tone.Noise

// PlaybackEvent carries channel lifecycle events from Watch().
type PlaybackEvent struct {
	Channel int
	Kind    int // EventLoopCompleted, EventPlaybackEnded, EventMarker or EventError
	Err     error
}

const (
	EventLoopCompleted int = iota
	EventPlaybackEnded
	EventMarker
	EventError
)

// SyntaxError is the error returned for malformed MML.
type SyntaxError = intmml.SyntaxError

// Sink receives chunks of mono 16-bit PCM from Run.
type Sink = intsynth.Sink

type Option func(*driverConfig)

type driverConfig struct {
	sampleRate        int
	channels          int
	queueCapacity     int
	chunkSize         int
	lookahead         time.Duration
	seed              int64
	masterVolume      uint8
	directToneTimeout time.Duration
	logger            *log.Logger
	onMarker          func(ch int)
}

func defaultDriverConfig() driverConfig {
	return driverConfig{
		sampleRate:        8000,
		channels:          4,
		queueCapacity:     32,
		chunkSize:         32,
		lookahead:         100 * time.Millisecond,
		seed:              1,
		masterVolume:      128,
		directToneTimeout: time.Second,
	}
}

func WithSampleRate(rate int) Option {
	return func(cfg *driverConfig) {
		cfg.sampleRate = rate
	}
}

func WithChannels(n int) Option {
	return func(cfg *driverConfig) {
		cfg.channels = n
	}
}

func WithQueueCapacity(n int) Option {
	return func(cfg *driverConfig) {
		cfg.queueCapacity = n
	}
}

// WithLookahead sets how much queued audio Tick tries to keep per channel.
func WithLookahead(d time.Duration) Option {
	return func(cfg *driverConfig) {
		cfg.lookahead = d
	}
}

// WithChunkSize sets the number of samples per sink write in Run.
func WithChunkSize(n int) Option {
	return func(cfg *driverConfig) {
		cfg.chunkSize = n
	}
}

func WithNoiseSeed(seed int64) Option {
	return func(cfg *driverConfig) {
		cfg.seed = seed
	}
}

// WithMasterVolume sets the initial 0-255 level of every channel.
func WithMasterVolume(level uint8) Option {
	return func(cfg *driverConfig) {
		cfg.masterVolume = level
	}
}

// WithDirectToneTimeout bounds how long DirectTone waits for queue space.
func WithDirectToneTimeout(d time.Duration) Option {
	return func(cfg *driverConfig) {
		cfg.directToneTimeout = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(cfg *driverConfig) {
		cfg.logger = l
	}
}

// WithMarkerFunc installs a callback for the '!' command. It runs inside Tick
// and must not call back into the Driver.
func WithMarkerFunc(fn func(ch int)) Option {
	return func(cfg *driverConfig) {
		cfg.onMarker = fn
	}
}

// Driver plays MML on a fixed set of tone channels. Application calls
// (Play, Tick, QueueTone...) are serialized by the Driver; Render or Run
// belongs to a single audio goroutine and never waits on them.
type Driver struct {
	mu        sync.Mutex
	cfg       driverConfig
	engine    *intsynth.Engine
	seq       *intseq.Sequencer
	eventCh   chan PlaybackEvent
	eventChMu sync.Mutex
}

func New(opts ...Option) (*Driver, error) {
	cfg := defaultDriverConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.sampleRate <= 0:
		return nil, errors.New("mmltone: sample rate must be positive")
	case cfg.channels <= 0:
		return nil, errors.New("mmltone: channel count must be positive")
	case cfg.queueCapacity <= 0:
		return nil, errors.New("mmltone: queue capacity must be positive")
	case cfg.chunkSize <= 0:
		return nil, errors.New("mmltone: chunk size must be positive")
	case cfg.lookahead <= 0:
		return nil, errors.New("mmltone: lookahead must be positive")
	}
	d := &Driver{cfg: cfg}
	d.engine = intsynth.New(intsynth.Config{
		SampleRate:    cfg.sampleRate,
		Channels:      cfg.channels,
		QueueCapacity: cfg.queueCapacity,
		ChunkSize:     cfg.chunkSize,
		MasterVolume:  float64(cfg.masterVolume) / 255,
		Seed:          cfg.seed,
	})
	d.seq = intseq.NewWithOptions(cfg.channels, d.engine, intseq.Options{
		Lookahead: cfg.lookahead,
		State:     intmml.DefaultStateConfig(),
		Logger:    cfg.logger,
		OnEvent:   d.onEvent,
	})
	return d, nil
}

// Initialize stops every channel, forgets their texts and restores the
// initial master volumes. Calling it again has the same effect.
func (d *Driver) Initialize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.Reset()
	for ch := 0; ch < d.cfg.channels; ch++ {
		d.engine.SetMasterVolume(ch, float64(d.cfg.masterVolume)/255)
	}
}

func (d *Driver) Channels() int   { return d.cfg.channels }
func (d *Driver) SampleRate() int { return d.cfg.sampleRate }

func (d *Driver) valid(ch int) bool { return ch >= 0 && ch < d.cfg.channels }

// Validate checks text without side effects. Malformed text yields a
// *SyntaxError.
func (d *Driver) Validate(text string) error {
	return d.seq.Validate(text)
}

// Play replaces whatever ch is playing with text. Invalid text leaves the
// channel untouched. Tones are queued by the following Ticks.
func (d *Driver) Play(ch int, text string) error {
	if !d.valid(ch) {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Play(ch, text)
}

// Stop ends playback on ch and silences it at once.
func (d *Driver) Stop(ch int) error {
	if !d.valid(ch) {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.Stop(ch)
	return nil
}

func (d *Driver) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.StopAll()
}

// Tick runs one scheduling step on every channel. Call it from the host's
// update loop, typically once per frame.
func (d *Driver) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.Tick()
}

// SetMasterVolume sets the 0-255 output level of ch, or of every channel for
// AllChannels.
func (d *Driver) SetMasterVolume(ch int, level uint8) error {
	v := float64(level) / 255
	if ch == AllChannels {
		for i := 0; i < d.cfg.channels; i++ {
			d.engine.SetMasterVolume(i, v)
		}
		return nil
	}
	if !d.valid(ch) {
		return ErrInvalidChannel
	}
	d.engine.SetMasterVolume(ch, v)
	return nil
}

func (d *Driver) MasterVolume(ch int) (uint8, error) {
	if !d.valid(ch) {
		return 0, ErrInvalidChannel
	}
	return uint8(math.Round(d.engine.MasterVolume(ch) * 255)), nil
}

// QueueTone appends a tone to ch without blocking. A full queue returns
// ErrQueueFull. freqHz 0 is a rest and Noise plays noise.
func (d *Driver) QueueTone(ch int, freqHz float64, durationMS float64, volume uint8) error {
	ev, err := d.toneEvent(ch, freqHz, durationMS, volume)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.engine.Enqueue(ev) {
		return ErrQueueFull
	}
	return nil
}

// DirectTone stops any MML on ch, discards its queued tones and plays this
// one next. It waits for queue space up to the direct tone timeout.
func (d *Driver) DirectTone(ch int, freqHz float64, durationMS float64, volume uint8) error {
	ev, err := d.toneEvent(ch, freqHz, durationMS, volume)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.Stop(ch)
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.directToneTimeout)
	defer cancel()
	if err := d.engine.EnqueueWait(ctx, ev); err != nil {
		return fmt.Errorf("mmltone: direct tone on channel %d: %w", ch, err)
	}
	return nil
}

func (d *Driver) toneEvent(ch int, freqHz float64, durationMS float64, volume uint8) (tone.Event, error) {
	if !d.valid(ch) {
		return tone.Event{}, ErrInvalidChannel
	}
	if math.IsNaN(freqHz) || math.IsInf(freqHz, 0) || math.IsNaN(durationMS) || durationMS < 0 || durationMS > math.MaxInt32 {
		return tone.Event{}, ErrInvalidTone
	}
	return tone.Event{Channel: ch, FreqHz: freqHz, DurationMS: durationMS, Volume: volume}, nil
}

// Render synthesizes the next len(dst) samples. Use it instead of Run when
// the host pulls audio itself.
func (d *Driver) Render(dst []int16) { d.engine.Render(dst) }

// Run renders fixed-size chunks into sink until ctx is done or the sink
// fails.
func (d *Driver) Run(ctx context.Context, sink Sink) error {
	return d.engine.Run(ctx, sink)
}

// Quiet reports whether the engine is currently emitting silence without
// synthesizing.
func (d *Driver) Quiet() bool { return d.engine.Quiet() }

func (d *Driver) Playing(ch int) bool {
	if !d.valid(ch) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Playing(ch)
}

// AnyPlaying reports whether some channel still has MML to schedule.
func (d *Driver) AnyPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := 0; ch < d.cfg.channels; ch++ {
		if d.seq.Playing(ch) {
			return true
		}
	}
	return false
}

// Err returns the error that aborted ch, if any.
func (d *Driver) Err(ch int) error {
	if !d.valid(ch) {
		return ErrInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.Err(ch)
}

// ChannelStatus is a snapshot of one channel.
type ChannelStatus struct {
	Alive     bool
	Playing   bool
	Cursor    int
	RepeatAt  int
	Tempo     float64
	Octave    int // frequency table index of the current octave's C
	Bars      int
	PendingMS float64
	Err       error
}

func (d *Driver) Status(ch int) (ChannelStatus, error) {
	if !d.valid(ch) {
		return ChannelStatus{}, ErrInvalidChannel
	}
	d.mu.Lock()
	st := d.seq.Status(ch)
	d.mu.Unlock()
	return ChannelStatus{
		Alive:     st.Alive,
		Playing:   st.Playing,
		Cursor:    st.Cursor,
		RepeatAt:  st.RepeatAt,
		Tempo:     st.State.Tempo,
		Octave:    st.State.OctaveIndex,
		Bars:      st.State.Bars,
		PendingMS: st.PendingMS,
		Err:       st.Err,
	}, nil
}

// Watch returns a channel that receives playback events. The channel is
// buffered (cap 16) and events are dropped when it is full. Only the most
// recent Watch() channel receives events.
func (d *Driver) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 16)
	d.eventChMu.Lock()
	d.eventCh = ch
	d.eventChMu.Unlock()
	return ch
}

func (d *Driver) onEvent(ev intseq.Event) {
	if ev.Kind == intseq.EventMarker && d.cfg.onMarker != nil {
		d.cfg.onMarker(ev.Channel)
	}
	var kind int
	switch ev.Kind {
	case intseq.EventLoopCompleted:
		kind = EventLoopCompleted
	case intseq.EventPlaybackEnded:
		kind = EventPlaybackEnded
	case intseq.EventMarker:
		kind = EventMarker
	case intseq.EventError:
		kind = EventError
	}
	d.sendEvent(PlaybackEvent{Channel: ev.Channel, Kind: kind, Err: ev.Err})
}

func (d *Driver) sendEvent(ev PlaybackEvent) {
	d.eventChMu.Lock()
	ch := d.eventCh
	d.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full; drop event
		}
	}
}
