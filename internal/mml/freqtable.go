package mml

import "math"

const (
	// NumPitches is the count of playable semitones, A0 through C8.
	NumPitches = 88
	// RestIndex is the table slot holding the silent rest frequency.
	RestIndex = NumPitches
	// MiddleC is the table index of C4.
	MiddleC = 39
)

var (
	freqTable [NumPitches + 1]float64
	noteNames [NumPitches + 1]string
)

var semitoneNames = [12]string{"A", "A#", "B", "C", "C#", "D", "D#", "E", "F", "F#", "G", "G#"}

func init() {
	var base [12]float64
	for k := range base {
		base[k] = 27.5 * math.Pow(2, float64(k)/12)
	}
	for i := 0; i < NumPitches; i++ {
		// Scaling by a power of two is exact, so octaves double bit for bit.
		freqTable[i] = base[i%12] * float64(int(1)<<(i/12))
		noteNames[i] = semitoneNames[i%12] + string(rune('0'+(i+9)/12))
	}
	freqTable[RestIndex] = 0
	noteNames[RestIndex] = "R"
}

// Freq returns the equal-temperament frequency for a table index and 0 for
// the rest slot. ok is false when the index is out of range.
func Freq(index int) (hz float64, ok bool) {
	if index < 0 || index > RestIndex {
		return 0, false
	}
	return freqTable[index], true
}

// NoteName returns a label such as "C4" or "A#0"; "R" for the rest slot.
func NoteName(index int) string {
	if index < 0 || index > RestIndex {
		return "?"
	}
	return noteNames[index]
}
