package sequencer

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cbegin/mmltone-go/internal/mml"
	"github.com/cbegin/mmltone-go/internal/tone"
)

// ToneSink receives resolved tone events. Enqueue must not block; a false
// return is backpressure and the command is retried on the next Tick.
type ToneSink interface {
	Enqueue(ev tone.Event) bool
	// Clear discards every queued event for ch and silences it.
	Clear(ch int)
	// Pending returns the queued, not yet started duration for ch in ms.
	Pending(ch int) float64
}

// EventKind identifies channel lifecycle events.
type EventKind int

const (
	EventLoopCompleted EventKind = iota
	EventPlaybackEnded
	EventMarker
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoopCompleted:
		return "loop"
	case EventPlaybackEnded:
		return "ended"
	case EventMarker:
		return "marker"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is reported through Options.OnEvent from inside Tick.
type Event struct {
	Channel int
	Kind    EventKind
	Err     error // set for EventError
}

// ErrSilentLoop stops a channel whose repeat section produces no sound.
var ErrSilentLoop = errors.New("repeat section emits no tones")

type Options struct {
	Lookahead time.Duration
	State     mml.StateConfig
	Logger    *log.Logger
	OnEvent   func(Event)
}

func DefaultOptions() Options {
	return Options{
		Lookahead: 100 * time.Millisecond,
		State:     mml.DefaultStateConfig(),
	}
}

// Status is a snapshot of one channel.
type Status struct {
	Alive     bool
	Playing   bool
	Cursor    int
	RepeatAt  int
	State     mml.State
	PendingMS float64
	Err       error
}

// Sequencer owns a fixed arena of parser channels and pumps them into a
// ToneSink. It is not safe for concurrent use.
type Sequencer struct {
	sink        ToneSink
	channels    []mml.Channel
	errs        []error
	lookaheadMS float64
	state       mml.StateConfig
	logger      *log.Logger
	onEvent     func(Event)
}

func New(channels int, sink ToneSink) *Sequencer {
	return NewWithOptions(channels, sink, DefaultOptions())
}

func NewWithOptions(channels int, sink ToneSink, opts Options) *Sequencer {
	if channels < 1 {
		channels = 1
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultOptions().Lookahead
	}
	if opts.State.Tempo <= 0 {
		opts.State = mml.DefaultStateConfig()
	}
	return &Sequencer{
		sink:        sink,
		channels:    make([]mml.Channel, channels),
		errs:        make([]error, channels),
		lookaheadMS: float64(opts.Lookahead) / float64(time.Millisecond),
		state:       opts.State,
		logger:      opts.Logger,
		onEvent:     opts.OnEvent,
	}
}

func (s *Sequencer) Channels() int { return len(s.channels) }

// Validate checks text without touching any channel.
func (s *Sequencer) Validate(text string) error {
	return mml.Validate(text, s.state)
}

// Play validates text, then replaces whatever ch was doing with it. Queuing
// starts on the next Tick.
func (s *Sequencer) Play(ch int, text string) error {
	if err := s.Validate(text); err != nil {
		return err
	}
	s.Stop(ch)
	c := &s.channels[ch]
	c.Reset(text, s.state)
	c.Start()
	s.errs[ch] = nil
	return nil
}

// Stop ends playback on ch and discards its queued events.
func (s *Sequencer) Stop(ch int) {
	s.channels[ch].Stop()
	s.sink.Clear(ch)
}

func (s *Sequencer) StopAll() {
	for ch := range s.channels {
		s.Stop(ch)
	}
}

// Reset stops every channel and forgets their texts and errors.
func (s *Sequencer) Reset() {
	for ch := range s.channels {
		s.Stop(ch)
		s.channels[ch] = mml.Channel{}
		s.errs[ch] = nil
	}
}

func (s *Sequencer) Playing(ch int) bool {
	c := &s.channels[ch]
	return c.Alive() && c.Playing()
}

// Err returns the error that aborted ch, if any.
func (s *Sequencer) Err(ch int) error { return s.errs[ch] }

func (s *Sequencer) Status(ch int) Status {
	c := &s.channels[ch]
	return Status{
		Alive:     c.Alive(),
		Playing:   c.Playing(),
		Cursor:    c.Cursor(),
		RepeatAt:  c.RepeatAt(),
		State:     c.State(),
		PendingMS: s.sink.Pending(ch),
		Err:       s.errs[ch],
	}
}

// Tick advances every playing channel until its lookahead is buffered, its
// queue is full, or its text ends.
func (s *Sequencer) Tick() {
	for ch := range s.channels {
		s.pump(ch)
	}
}

func (s *Sequencer) pump(ch int) {
	c := &s.channels[ch]
	if !c.Alive() || !c.Playing() {
		return
	}
	if rest := c.PendingRestMS(); rest > 0 {
		if !s.sink.Enqueue(tone.Event{Channel: ch, DurationMS: rest}) {
			return
		}
		c.SetPendingRestMS(0)
	}

	idleWraps := 0
	for s.sink.Pending(ch) < s.lookaheadMS {
		if c.AtEnd() {
			if !c.Restart() {
				c.Stop()
				s.logf("channel %d: playback ended", ch)
				s.emit(Event{Channel: ch, Kind: EventPlaybackEnded})
				return
			}
			s.emit(Event{Channel: ch, Kind: EventLoopCompleted})
			if idleWraps++; idleWraps > 1 {
				s.abort(ch, ErrSilentLoop)
				return
			}
			continue
		}

		cp := c.Checkpoint()
		res, err := c.Step()
		if err != nil {
			s.abort(ch, err)
			return
		}
		switch res.Kind {
		case mml.KindMarker:
			s.emit(Event{Channel: ch, Kind: EventMarker})
		case mml.KindNote:
			sounded, rest := splitRing(res.DurationMS, res.RingScale)
			first := tone.Event{Channel: ch, FreqHz: res.FreqHz, DurationMS: sounded, Volume: res.Volume}
			if sounded <= 0 {
				first = tone.Event{Channel: ch, DurationMS: rest}
				rest = 0
			}
			if !s.sink.Enqueue(first) {
				c.Restore(cp)
				return
			}
			idleWraps = 0
			if rest > 0 && !s.sink.Enqueue(tone.Event{Channel: ch, DurationMS: rest}) {
				c.SetPendingRestMS(rest)
				return
			}
		}
	}
}

// splitRing divides a written duration into the sounded part and the silent
// remainder. Their sum is always ms.
func splitRing(ms, ring float64) (sounded, rest float64) {
	ring = min(max(ring, 0), 1)
	sounded = ms * ring
	return sounded, ms - sounded
}

func (s *Sequencer) abort(ch int, err error) {
	s.channels[ch].Stop()
	s.errs[ch] = fmt.Errorf("channel %d: %w", ch, err)
	s.logf("%v", s.errs[ch])
	s.emit(Event{Channel: ch, Kind: EventError, Err: s.errs[ch]})
}

func (s *Sequencer) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Sequencer) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
