package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime defaults of the commands, loaded from environment
// variables. Flags override every field.
type Config struct {
	// Output
	Backend    string // ebiten, oto or wav
	SampleRate int
	BufferSize time.Duration // device-side latency
	OutputPath string        // wav backend only

	// Engine
	Channels      int
	QueueCapacity int
	ChunkSize     int
	Lookahead     time.Duration
	MasterVolume  int // 0-255, applied to every channel

	// Host loop
	TicksPerSecond int
	MaxDuration    time.Duration // 0 = until every channel ends
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Backend:    envStr("MMLTONE_BACKEND", "ebiten"),
		SampleRate: envInt("MMLTONE_SAMPLE_RATE", 48000),
		BufferSize: time.Duration(envInt("MMLTONE_BUFFER_MS", 50)) * time.Millisecond,
		OutputPath: envStr("MMLTONE_OUTPUT", "out.wav"),

		Channels:      envInt("MMLTONE_CHANNELS", 4),
		QueueCapacity: envInt("MMLTONE_QUEUE_CAPACITY", 32),
		ChunkSize:     envInt("MMLTONE_CHUNK_SIZE", 256),
		Lookahead:     time.Duration(envInt("MMLTONE_LOOKAHEAD_MS", 100)) * time.Millisecond,
		MasterVolume:  envInt("MMLTONE_VOLUME", 128),

		TicksPerSecond: envInt("MMLTONE_TPS", 60),
		MaxDuration:    envDuration("MMLTONE_MAX_DURATION", 0),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go duration syntax ("90s", "2m30s").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
