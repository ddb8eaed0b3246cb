package mml

import (
	"errors"

	"github.com/cbegin/mmltone-go/internal/rational"
	"github.com/cbegin/mmltone-go/internal/tone"
)

// Grammar accepted by Channel.Step:
//
//	mml          : space* (command space*)* ;
//	command      : note | rest | control ;
//	note         : [A-Ga-g] octave-mark? accidental? length? ring? strength? ;
//	rest         : [Rr] octave-mark? length? ring? strength? ;
//	octave-mark  : '^' | [vV] ;
//	accidental   : '+'+ | '-'+ | '=' ;
//	length       : term (('+' | '-') term)* ;
//	term         : number? modifier* ;
//	number       : 1|2|3|4|6|8|9|12|16|24|32|48|64|96 ;
//	modifier     : '.' | '..' | '_'+ | '/'+ ;
//	ring         : '*' NUMBER ;
//	strength     : ':' [+-]? INTEGER? '\''? | '\'' ;
//	control      : [Oo] INTEGER | '<' | '>' | [Ll] length | [Vv] ':'? INTEGER
//	             | [Tt] tempo | [Nn] '-'? NUMBER | '@' at-command
//	             | '$' | '%' | '&' | '|' | '!' ;
//	at-command   : [Kk] ([+-] INTEGER | '=') | [Tt] INTEGER '/' (4|8)
//	             | [Mm] ('=' | '*' tempo | '/' tempo | tempo) | [Vv] ':'? INTEGER ;
//	tempo        : INTEGER '/' INTEGER | NUMBER ;

// ErrEmpty is returned by Validate for text holding no commands.
var ErrEmpty = errors.New("mml: no commands")

// Channel is the parser cursor and musical state for one playback channel.
// The zero value is an idle channel; Reset prepares it for a text.
type Channel struct {
	src      string
	next     int
	repeatAt int
	alive    bool
	playing  bool
	check    bool
	state    State
}

// Checkpoint captures what a single Step may change, so a command whose
// output could not be delivered can be replayed exactly once later.
type Checkpoint struct {
	next  int
	state State
}

// Reset loads src and restores the initial musical state. The channel is
// alive but not yet playing.
func (c *Channel) Reset(src string, cfg StateConfig) {
	*c = Channel{
		src:      src,
		repeatAt: -1,
		alive:    true,
		state:    newState(cfg),
	}
}

// Validate parses text in checking mode and reports the first error. Repeat
// marks have no effect and no live channel is touched.
func Validate(text string, cfg StateConfig) error {
	var c Channel
	c.Reset(text, cfg)
	c.check = true
	found := false
	for !c.AtEnd() {
		res, err := c.Step()
		if err != nil {
			return err
		}
		if res.Kind != KindNone {
			found = true
		}
	}
	if !found {
		return ErrEmpty
	}
	return nil
}

func (c *Channel) Start()                 { c.playing = true }
func (c *Channel) Stop()                  { c.alive, c.playing = false, false }
func (c *Channel) Alive() bool            { return c.alive }
func (c *Channel) Playing() bool          { return c.playing }
func (c *Channel) Cursor() int            { return c.next }
func (c *Channel) RepeatAt() int          { return c.repeatAt }
func (c *Channel) Text() string           { return c.src }
func (c *Channel) State() State           { return c.state }
func (c *Channel) AtEnd() bool            { return c.next >= len(c.src) }
func (c *Channel) PendingRestMS() float64 { return c.state.PendingRestMS }

func (c *Channel) SetPendingRestMS(ms float64) { c.state.PendingRestMS = ms }

// Restart moves the cursor back to the repeat point. It reports false when
// the text has no repeat point.
func (c *Channel) Restart() bool {
	if c.repeatAt < 0 {
		return false
	}
	c.next = c.repeatAt
	return true
}

func (c *Channel) Checkpoint() Checkpoint { return Checkpoint{next: c.next, state: c.state} }

func (c *Channel) Restore(cp Checkpoint) {
	c.next = cp.next
	c.state = cp.state
}

// Step consumes one command. On error the cursor and state are left as they
// were before the call.
func (c *Channel) Step() (Result, error) {
	s := scanner(c.src)
	i := s.skip(c.next)
	if i >= len(c.src) {
		c.next = i
		return Result{Kind: KindNone}, nil
	}
	st := c.state
	res := Result{Kind: KindControl, Index: -1}
	var err error

	switch ch := c.src[i]; {
	case isNoteLetter(ch) || ch == 'R' || ch == 'r':
		res, i, err = c.parseNote(i, &st)
	case ch == '@':
		i, err = c.parseAt(i, &st)
	case ch == '%':
		i = len(c.src)
	case ch == '&' || ch == '|':
		i++
	case ch == '!':
		res.Kind = KindMarker
		i++
	case ch == 'O' || ch == 'o':
		var n int
		var ok bool
		j := s.skip(i + 1)
		if n, i, ok = s.integer(j); !ok {
			return Result{}, c.errorf(j, "octave command needs an integer")
		}
		n = clampInt(n, 0, 8)
		st.OctaveIndex = n*12 - 9
	case ch == '<':
		st.OctaveIndex = min(st.OctaveIndex+12, NumPitches-1)
		i++
	case ch == '>':
		st.OctaveIndex = max(st.OctaveIndex-12, -9)
		i++
	case ch == 'L' || ch == 'l':
		st.DefaultLength, i, err = c.noteLength(i+1, st.DefaultLength)
		if err == nil && !positive(st.DefaultLength) {
			err = c.errorf(i, "default length must be positive")
		}
	case ch == 'V' || ch == 'v':
		st.BaseStrength, i, err = c.baseStrength(i + 1)
	case ch == 'T' || ch == 't':
		var tempo float64
		if tempo, i, err = c.tempoValue(i + 1); err == nil {
			if st.InitialTempo < 0 {
				st.InitialTempo = tempo
			}
			st.Tempo = tempo
		}
	case ch == 'N' || ch == 'n':
		res, i, err = c.parseFrequency(i, &st)
	case ch == '$':
		i++
		if !c.check {
			c.repeatAt = i
		}
	default:
		return Result{}, c.errorf(i, "invalid command")
	}
	if err != nil {
		return Result{}, err
	}
	c.state = st
	c.next = i
	return res, nil
}

func (c *Channel) parseNote(at int, st *State) (Result, int, error) {
	s := scanner(c.src)
	letter := c.src[at]
	rest := letter == 'R' || letter == 'r'
	offset := RestIndex
	if !rest {
		offset = noteOffset(letter, st.Transposition)
	}
	// Octave marks must touch the letter so "C V100" stays a volume change.
	i := at + 1
	octaveShift := 0
	switch s.at(i) {
	case '^':
		octaveShift = 12
		i++
	case 'v', 'V':
		octaveShift = -12
		i++
	}

	i = s.skip(i)
	shift := 0
	natural := false
	switch s.at(i) {
	case '+':
		for ; s.at(i) == '+'; i = s.skip(i + 1) {
			shift++
		}
	case '-':
		for ; s.at(i) == '-'; i = s.skip(i + 1) {
			shift--
		}
	case '=':
		natural = true
		i++
	}

	length, i, err := c.noteLength(i, st.DefaultLength)
	if err != nil {
		return Result{}, at, err
	}
	if !positive(length) {
		return Result{}, at, c.errorf(i, "note length must be positive")
	}

	ring := 1.0
	i = s.skip(i)
	if s.at(i) == '*' {
		j := s.skip(i + 1)
		var ok bool
		if ring, i, ok = s.number(j); !ok {
			return Result{}, at, c.errorf(j, "ring time needs a number")
		}
	}

	strength := st.BaseStrength
	i = s.skip(i)
	switch s.at(i) {
	case ':':
		if strength, i, err = c.noteStrength(s.skip(i+1), st.BaseStrength); err != nil {
			return Result{}, at, err
		}
	case '\'':
		strength = st.BaseStrength + 20
		i++
	}

	if natural {
		if !rest {
			offset = noteOffset(letter, 0)
		}
		i = s.skip(i)
	}

	index := RestIndex
	if !rest {
		index = st.OctaveIndex + octaveShift + offset + shift
		if index < 0 || index >= NumPitches {
			return Result{}, at, c.errorf(at, "pitch out of range")
		}
	}
	st.advance(length)
	return Result{
		Kind:       KindNote,
		FreqHz:     freqTable[index],
		DurationMS: durationMS(length, st.Tempo),
		RingScale:  ring,
		Volume:     strengthToVolume(strength),
		Index:      index,
	}, i, nil
}

// parseFrequency handles N: a direct frequency in Hz at the default length.
// A leading '-' selects noise.
func (c *Channel) parseFrequency(at int, st *State) (Result, int, error) {
	s := scanner(c.src)
	i := s.skip(at + 1)
	noise := false
	if s.at(i) == '-' {
		noise = true
		i++
	}
	freq, next, ok := s.number(i)
	if !ok {
		return Result{}, at, c.errorf(i, "frequency command needs a number")
	}
	if noise {
		freq = tone.Noise
	}
	st.advance(st.DefaultLength)
	return Result{
		Kind:       KindNote,
		FreqHz:     freq,
		DurationMS: durationMS(st.DefaultLength, st.Tempo),
		RingScale:  1,
		Volume:     strengthToVolume(st.BaseStrength),
		Index:      -1,
	}, next, nil
}

func (c *Channel) parseAt(at int, st *State) (int, error) {
	s := scanner(c.src)
	i := s.skip(at + 1)
	switch s.at(i) {
	case 'K', 'k':
		t, next, err := c.transposition(i + 1)
		if err != nil {
			return at, err
		}
		st.Transposition = t
		return next, nil
	case 'T', 't':
		j := s.skip(i + 1)
		num, next, ok := s.integer(j)
		if !ok {
			return at, c.errorf(j, "time signature needs a numerator")
		}
		if num <= 0 || num > 32 {
			return at, c.errorf(j, "time signature numerator out of range")
		}
		j = s.skip(next)
		if s.at(j) != '/' {
			return at, c.errorf(j, "time signature needs '/'")
		}
		j = s.skip(j + 1)
		den, next, ok := s.integer(j)
		if !ok {
			return at, c.errorf(j, "time signature needs a denominator")
		}
		if den != 4 && den != 8 {
			return at, c.errorf(j, "time signature denominator must be 4 or 8")
		}
		st.Beat = rational.New(int16(num), int16(den))
		return next, nil
	case 'M', 'm':
		j := s.skip(i + 1)
		switch s.at(j) {
		case '=':
			if st.InitialTempo < 0 {
				st.InitialTempo = st.Tempo
			}
			st.Tempo = st.InitialTempo
			return s.skip(j + 1), nil
		case '*', '/':
			op := s.at(j)
			x, next, err := c.tempoValue(j + 1)
			if err != nil {
				return at, err
			}
			if st.InitialTempo < 0 {
				st.InitialTempo = st.Tempo
			}
			if op == '*' {
				st.Tempo *= x
			} else {
				st.Tempo /= x
			}
			return next, nil
		default:
			x, next, err := c.tempoValue(j)
			if err != nil {
				return at, err
			}
			if st.InitialTempo < 0 {
				st.InitialTempo = x
			}
			st.Tempo = x
			return next, nil
		}
	case 'V', 'v':
		v, next, err := c.baseStrength(i + 1)
		if err != nil {
			return at, err
		}
		st.BaseStrength = v
		return next, nil
	}
	return at, c.errorf(i, "unknown @ command")
}

func (c *Channel) transposition(at int) (int, int, error) {
	s := scanner(c.src)
	i := s.skip(at)
	switch s.at(i) {
	case '+', '-':
		sign := 1
		if s.at(i) == '-' {
			sign = -1
		}
		j := s.skip(i + 1)
		n, next, ok := s.integer(j)
		if !ok {
			return 0, at, c.errorf(j, "key transposition needs an integer")
		}
		if n > 7 {
			return 0, at, c.errorf(j, "key transposition must be within -7..+7")
		}
		return sign * n, next, nil
	case '=':
		return 0, i + 1, nil
	}
	return 0, at, c.errorf(i, "key transposition needs '+', '-' or '='")
}

func (c *Channel) baseStrength(at int) (int, int, error) {
	s := scanner(c.src)
	i := s.skip(at)
	if s.at(i) == ':' {
		i = s.skip(i + 1)
	}
	n, next, ok := s.integer(i)
	if !ok {
		return 0, at, c.errorf(i, "strength command needs an integer")
	}
	return min(n, 127), next, nil
}

func (c *Channel) noteStrength(at int, base int) (int, int, error) {
	s := scanner(c.src)
	i := at
	strength := base
	switch ch := s.at(i); {
	case ch == '+' || ch == '-':
		n, next, ok := s.integer(i + 1)
		if !ok {
			return 0, at, c.errorf(i+1, "strength offset needs an integer")
		}
		if ch == '+' {
			strength += n
		} else {
			strength -= n
		}
		i = next
	case isDigit(ch):
		strength, i, _ = s.integer(i)
	}
	i = s.skip(i)
	if s.at(i) == '\'' {
		strength += 20
		i++
	}
	return strength, i, nil
}

// tempoValue reads "a/b" or a decimal number and requires a positive result.
func (c *Channel) tempoValue(at int) (float64, int, error) {
	s := scanner(c.src)
	start := s.skip(at)
	if num, next, ok := s.integer(start); ok {
		j := s.skip(next)
		if s.at(j) == '/' {
			k := s.skip(j + 1)
			den, next, ok := s.integer(k)
			if !ok || den == 0 {
				return 0, at, c.errorf(k, "tempo fraction needs a non-zero denominator")
			}
			if num == 0 {
				return 0, at, c.errorf(start, "tempo must be positive")
			}
			return float64(num) / float64(den), next, nil
		}
	}
	v, next, ok := s.number(start)
	if !ok {
		return 0, at, c.errorf(start, "tempo needs a number")
	}
	if v <= 0 {
		return 0, at, c.errorf(start, "tempo must be positive")
	}
	return v, next, nil
}

var transpositionOffsets = [15][7]int{
	// A  B  C  D  E  F  G
	{-1, -1, -1, -1, -1, -1, -1}, // Cb major
	{-1, -1, -1, -1, -1, 0, -1},  // Gb
	{-1, -1, 0, -1, -1, 0, -1},   // Db
	{-1, -1, 0, -1, -1, 0, 0},    // Ab
	{-1, -1, 0, 0, -1, 0, 0},     // Eb
	{0, -1, 0, 0, -1, 0, 0},      // Bb
	{0, -1, 0, 0, 0, 0, 0},       // F
	{0, 0, 0, 0, 0, 0, 0},        // C
	{0, 0, 0, 0, 0, 1, 0},        // G
	{0, 0, 1, 0, 0, 1, 0},        // D
	{0, 0, 1, 0, 0, 1, 1},        // A
	{0, 0, 1, 1, 0, 1, 1},        // E
	{1, 0, 1, 1, 0, 1, 1},        // B
	{1, 0, 1, 1, 1, 1, 1},        // F#
	{1, 1, 1, 1, 1, 1, 1},        // C# major
}

var letterSemitones = [7]int{9, 11, 0, 2, 4, 5, 7}

// noteOffset maps a note letter to its semitone offset from C under the
// given key transposition (-7..+7).
func noteOffset(letter byte, transposition int) int {
	k := int(lower(letter) - 'a')
	return letterSemitones[k] + transpositionOffsets[7+transposition][k]
}

func durationMS(length rational.Rational, tempo float64) float64 {
	return length.Float() * 4 * 60000 / tempo
}

func strengthToVolume(strength int) uint8 {
	strength = clampInt(strength, 0, 127)
	return uint8(float64(strength) / 127 * 255)
}

// advance adds a played length and folds whole measures into Bars.
func (st *State) advance(length rational.Rational) {
	total := st.LengthTotal.Add(length)
	if !total.Valid() {
		total = rational.New(0, 1)
	}
	if positive(st.Beat) {
		for total.Cmp(st.Beat) >= 0 {
			total = total.Sub(st.Beat)
			st.Bars++
		}
	}
	st.LengthTotal = total
}

func positive(r rational.Rational) bool {
	return r.Valid() && r.Float() > 0
}

func (c *Channel) errorf(index int, msg string) error {
	return &SyntaxError{
		Index:   index,
		Command: scanner(c.src).at(index),
		Msg:     msg,
		Context: errorContext(c.src, index),
	}
}
