package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const wavHeaderSize = 44

// WAVHeader returns the canonical 44-byte RIFF header for 16-bit PCM.
func WAVHeader(sampleRate int, channels int, dataSize int) []byte {
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2
	out := make([]byte, wavHeaderSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	return out
}

// WAVWriter streams engine chunks into a WAV file. The header sizes are
// patched on Close.
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	channels   int
	dataSize   int
	buf        []byte
}

func NewWAVWriter(w io.WriteSeeker, sampleRate int, channels int) (*WAVWriter, error) {
	if channels < 1 {
		channels = 1
	}
	if _, err := w.Write(WAVHeader(sampleRate, channels, 0)); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAVWriter{w: w, sampleRate: sampleRate, channels: channels}, nil
}

func (w *WAVWriter) WriteSamples(p []int16) error {
	w.buf = EncodePCM16LE(w.buf[:0], p, w.channels)
	n, err := w.w.Write(w.buf)
	w.dataSize += n
	return err
}

// DataSize returns the number of PCM bytes written so far.
func (w *WAVWriter) DataSize() int { return w.dataSize }

func (w *WAVWriter) Duration() time.Duration {
	frames := w.dataSize / (2 * w.channels)
	return time.Duration(frames) * time.Second / time.Duration(w.sampleRate)
}

// Close rewrites the header with the final sizes. It does not close the
// underlying writer.
func (w *WAVWriter) Close() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wav: %w", err)
	}
	if _, err := w.w.Write(WAVHeader(w.sampleRate, w.channels, w.dataSize)); err != nil {
		return fmt.Errorf("patch wav header: %w", err)
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}
