package mml

import (
	"fmt"
	"strings"

	"github.com/cbegin/mmltone-go/internal/rational"
)

// State is the musical state of one channel. Only the parser on that channel
// mutates it.
type State struct {
	Tempo         float64
	InitialTempo  float64 // first tempo seen; negative until then
	Beat          rational.Rational
	Transposition int
	OctaveIndex   int
	DefaultLength rational.Rational
	BaseStrength  int
	// LengthTotal is the position inside the current measure; whole measures
	// are folded into Bars.
	LengthTotal   rational.Rational
	Bars          int
	PendingRestMS float64
}

type StateConfig struct {
	Tempo         float64
	OctaveIndex   int
	DefaultLength rational.Rational
	BaseStrength  int
	Beat          rational.Rational
}

func DefaultStateConfig() StateConfig {
	return StateConfig{
		Tempo:         120,
		OctaveIndex:   MiddleC,
		DefaultLength: rational.New(1, 4),
		BaseStrength:  90,
		Beat:          rational.New(4, 4),
	}
}

func newState(cfg StateConfig) State {
	return State{
		Tempo:         cfg.Tempo,
		InitialTempo:  -1,
		Beat:          cfg.Beat,
		OctaveIndex:   cfg.OctaveIndex,
		DefaultLength: cfg.DefaultLength,
		BaseStrength:  cfg.BaseStrength,
		LengthTotal:   rational.New(0, 1),
	}
}

// Kind classifies what a parsed command produced.
type Kind int

const (
	KindNone Kind = iota
	KindControl
	KindNote
	KindMarker
)

// Result is the outcome of one Step. Note fields are set only for KindNote.
type Result struct {
	Kind       Kind
	FreqHz     float64
	DurationMS float64
	RingScale  float64
	Volume     uint8
	// Index is the frequency table slot, or -1 for a direct frequency.
	Index int
}

// SyntaxError reports a malformed command at an absolute index of the text.
type SyntaxError struct {
	Index   int
	Command byte
	Msg     string
	Context string
}

func (e *SyntaxError) Error() string {
	if e.Command == 0 {
		return fmt.Sprintf("mml: %s at index %d (end of text)", e.Msg, e.Index)
	}
	return fmt.Sprintf("mml: %s at index %d near %q (command '%c')", e.Msg, e.Index, e.Context, e.Command)
}

// errorContext renders up to five characters either side of index with the
// offending character bracketed.
func errorContext(src string, index int) string {
	var b strings.Builder
	for t := index - 5; t < index+5; t++ {
		if t < 0 || t >= len(src) {
			continue
		}
		if t == index {
			b.WriteByte('[')
			b.WriteByte(src[t])
			b.WriteByte(']')
			continue
		}
		b.WriteByte(src[t])
	}
	return b.String()
}
