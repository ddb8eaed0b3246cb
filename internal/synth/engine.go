package synth

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/cbegin/mmltone-go/internal/queue"
	"github.com/cbegin/mmltone-go/internal/tone"
)

const (
	twoPi = math.Pi * 2
	// fullScale leaves headroom for three channels at full volume.
	fullScale = 32767.0 / 3
)

type Config struct {
	SampleRate    int
	Channels      int
	QueueCapacity int
	ChunkSize     int
	MasterVolume  float64 // initial per-channel master, 0..1
	Seed          int64
}

func DefaultConfig() Config {
	return Config{
		SampleRate:    8000,
		Channels:      4,
		QueueCapacity: 32,
		ChunkSize:     32,
		MasterVolume:  0.5,
		Seed:          1,
	}
}

// Sink receives fixed-size chunks of mono 16-bit PCM. It may block to pace
// the engine.
type Sink interface {
	WriteSamples(p []int16) error
}

type oscillator struct {
	alive     bool
	phase     float64
	step      float64
	noise     bool
	level     float64
	remaining float64 // ms; may go negative and is carried into the next event
	epoch     uint32
}

type channel struct {
	queue *queue.Bounded[tone.Event]
	// epoch is bumped by Clear; events stamped with an older value are stale.
	epoch atomic.Uint32
	// pending is the queued duration in microseconds.
	pending atomic.Int64
	master  uint64
}

// Engine is a fixed bank of sine/noise oscillators fed by per-channel queues.
// Enqueue, Clear, Pending and SetMasterVolume may be called from one producer
// goroutine while a single consumer goroutine calls Render or Run.
type Engine struct {
	cfg         Config
	channels    []channel
	osc         []oscillator
	rng         *rand.Rand
	msPerSample float64
	carry       float64
	quiet       atomic.Bool
}

func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	cfg.MasterVolume = clamp01(cfg.MasterVolume)
	e := &Engine{
		cfg:         cfg,
		channels:    make([]channel, cfg.Channels),
		osc:         make([]oscillator, cfg.Channels),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		msPerSample: 1000 / float64(cfg.SampleRate),
	}
	for i := range e.channels {
		e.channels[i].queue = queue.New[tone.Event](cfg.QueueCapacity)
		e.channels[i].master = math.Float64bits(cfg.MasterVolume)
	}
	e.quiet.Store(true)
	return e
}

func (e *Engine) SampleRate() int { return e.cfg.SampleRate }
func (e *Engine) Channels() int   { return len(e.channels) }
func (e *Engine) ChunkSize() int  { return e.cfg.ChunkSize }

// Quiet reports whether the last rendered chunk was skipped because nothing
// was sounding or queued.
func (e *Engine) Quiet() bool { return e.quiet.Load() }

func (e *Engine) valid(ch int) bool { return ch >= 0 && ch < len(e.channels) }

// Enqueue queues ev on ev.Channel without blocking. It returns false when the
// queue is full or the channel does not exist.
func (e *Engine) Enqueue(ev tone.Event) bool {
	if !e.valid(ev.Channel) {
		return false
	}
	c := &e.channels[ev.Channel]
	ev.Epoch = c.epoch.Load()
	us := micros(ev.DurationMS)
	c.pending.Add(us)
	if !c.queue.TryPush(ev) {
		c.pending.Add(-us)
		return false
	}
	return true
}

// EnqueueWait queues ev, waiting for room until ctx is done.
func (e *Engine) EnqueueWait(ctx context.Context, ev tone.Event) error {
	if !e.valid(ev.Channel) {
		return fmt.Errorf("synth: channel %d out of range", ev.Channel)
	}
	c := &e.channels[ev.Channel]
	ev.Epoch = c.epoch.Load()
	us := micros(ev.DurationMS)
	c.pending.Add(us)
	if err := c.queue.Push(ctx, ev); err != nil {
		c.pending.Add(-us)
		return err
	}
	return nil
}

// Clear discards the queued events of ch and cuts whatever it is sounding.
func (e *Engine) Clear(ch int) {
	if !e.valid(ch) {
		return
	}
	c := &e.channels[ch]
	c.epoch.Add(1)
	c.queue.Drain(func(ev tone.Event) {
		c.pending.Add(-micros(ev.DurationMS))
	})
}

// Pending returns the queued duration of ch in milliseconds. The event that
// is currently sounding is not included.
func (e *Engine) Pending(ch int) float64 {
	if !e.valid(ch) {
		return 0
	}
	return float64(max(e.channels[ch].pending.Load(), 0)) / 1000
}

// Queued returns the number of events waiting on ch.
func (e *Engine) Queued(ch int) int {
	if !e.valid(ch) {
		return 0
	}
	return e.channels[ch].queue.Len()
}

// SetMasterVolume sets the per-channel output scalar, clamped to 0..1.
func (e *Engine) SetMasterVolume(ch int, volume float64) {
	if !e.valid(ch) {
		return
	}
	atomic.StoreUint64(&e.channels[ch].master, math.Float64bits(clamp01(volume)))
}

func (e *Engine) MasterVolume(ch int) float64 {
	if !e.valid(ch) {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&e.channels[ch].master))
}

// Render fills dst with the next len(dst) samples. When no channel is sounding
// and nothing is queued, dst is zero-filled without synthesis.
func (e *Engine) Render(dst []int16) {
	if e.Idle() {
		e.quiet.Store(true)
		e.carry = 0
		clear(dst)
		return
	}
	e.quiet.Store(false)
	var master [8]float64
	masters := master[:0]
	for ch := range e.channels {
		masters = append(masters, e.MasterVolume(ch))
	}
	for i := range dst {
		var sum float64
		for ch := range e.osc {
			sum += e.next(ch) * masters[ch]
		}
		dst[i] = e.quantize(sum * fullScale)
	}
}

// Run renders chunk after chunk into sink until ctx is done or the sink
// fails.
func (e *Engine) Run(ctx context.Context, sink Sink) error {
	buf := make([]int16, e.cfg.ChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.Render(buf)
		if err := sink.WriteSamples(buf); err != nil {
			return fmt.Errorf("synth: write samples: %w", err)
		}
	}
}

// Idle reports whether nothing is sounding or queued. Only the rendering
// goroutine may call it.
func (e *Engine) Idle() bool {
	for ch := range e.channels {
		if e.osc[ch].alive || e.channels[ch].queue.Len() > 0 {
			return false
		}
	}
	return true
}

// next advances the oscillator of ch by one sample and returns its output in
// [-1, 1] scaled by the event volume.
func (e *Engine) next(ch int) float64 {
	c := &e.channels[ch]
	o := &e.osc[ch]
	if ep := c.epoch.Load(); ep != o.epoch {
		o.cut(ep)
	}
	if !e.pull(c, o) {
		return 0
	}
	o.remaining -= e.msPerSample

	var v float64
	switch {
	case o.noise:
		v = e.rng.Float64()*2 - 1
	case o.step == 0:
		return 0
	default:
		v = math.Sin(o.phase)
		o.phase += o.step
		if o.phase >= twoPi {
			o.phase = math.Mod(o.phase, twoPi)
		}
	}
	return v * o.level
}

// pull starts queued events until o has time left to sound. It reports false
// when the queue ran dry.
func (e *Engine) pull(c *channel, o *oscillator) bool {
	for o.remaining <= 0 {
		ev, ok := c.queue.TryPop()
		if !ok {
			o.alive = false
			o.remaining = 0
			return false
		}
		c.pending.Add(-micros(ev.DurationMS))
		if ev.Epoch != o.epoch {
			// Clear and a fresh Enqueue can both land after the epoch check
			// in next; only events older than the current epoch are stale.
			ep := c.epoch.Load()
			if ev.Epoch != ep {
				continue
			}
			o.cut(ep)
		}
		o.start(ev, e.cfg.SampleRate)
	}
	return true
}

func (o *oscillator) cut(epoch uint32) {
	o.epoch = epoch
	o.alive = false
	o.remaining = 0
}

func (o *oscillator) start(ev tone.Event, sampleRate int) {
	o.alive = true
	o.remaining += ev.DurationMS
	o.level = float64(ev.Volume) / 255
	o.noise = ev.IsNoise()
	o.step = 0
	if ev.FreqHz > 0 {
		o.step = twoPi * ev.FreqHz / float64(sampleRate)
	}
}

// quantize converts x to a sample with first-order noise shaping: the
// truncation error is carried into the next sample. The carry is dropped when
// the output clips.
func (e *Engine) quantize(x float64) int16 {
	t := x + e.carry
	switch {
	case t >= math.MaxInt16:
		e.carry = 0
		return math.MaxInt16
	case t <= math.MinInt16:
		e.carry = 0
		return math.MinInt16
	}
	q := int16(t)
	e.carry = t - float64(q)
	return q
}

func micros(ms float64) int64 {
	if ms <= 0 || math.IsNaN(ms) {
		return 0
	}
	return int64(math.Round(ms * 1000))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
