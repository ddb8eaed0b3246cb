package tone

// Noise is the FreqHz sentinel requesting white noise instead of a sine.
const Noise = -1.0

// Event is one resolved unit of playback on a channel. FreqHz 0 is a rest,
// a negative FreqHz is noise. Events are immutable once queued.
type Event struct {
	Channel    int
	FreqHz     float64
	DurationMS float64
	Volume     uint8
	// Epoch is stamped by the engine on enqueue; events from an older epoch
	// are discarded after a stop.
	Epoch uint32
}

func (e Event) IsRest() bool  { return e.FreqHz == 0 }
func (e Event) IsNoise() bool { return e.FreqHz < 0 }
