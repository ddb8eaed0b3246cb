package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cbegin/mmltone-go"
	"github.com/cbegin/mmltone-go/internal/audio"
	"github.com/cbegin/mmltone-go/internal/config"
)

const defaultMML = "T120 L4 CDEFGAB C^2"

func main() {
	cfg := config.Load()
	var (
		backend    = flag.String("backend", cfg.Backend, "output: ebiten|oto|wav")
		sampleRate = flag.Int("sample-rate", cfg.SampleRate, "output sample rate")
		bufferSize = flag.Duration("buffer", cfg.BufferSize, "device buffer size")
		outPath    = flag.String("out", cfg.OutputPath, "wav output path (backend wav)")
		channels   = flag.Int("channels", cfg.Channels, "tone channels")
		queueCap   = flag.Int("queue", cfg.QueueCapacity, "tone queue capacity per channel")
		chunkSize  = flag.Int("chunk", cfg.ChunkSize, "samples rendered per chunk")
		lookahead  = flag.Duration("lookahead", cfg.Lookahead, "scheduler lookahead")
		volume     = flag.Int("volume", cfg.MasterVolume, "master volume 0-255")
		tps        = flag.Int("tps", cfg.TicksPerSecond, "scheduler ticks per second")
		maxDur     = flag.Duration("max", cfg.MaxDuration, "stop after this long (0 = when every channel ends)")
		mmlPath    = flag.String("file", "", "path to an MML file; lines or ';' separate channels")
		mmlInline  = flag.String("mml", "", "inline MML; ';' separates channels")
		check      = flag.Bool("check", false, "validate the MML and exit")
	)
	flag.Parse()

	texts, err := resolveMMLInput(*mmlPath, *mmlInline)
	if err != nil {
		log.Fatal(err)
	}
	if len(texts) > *channels {
		log.Fatalf("%d channels of MML but only %d tone channels", len(texts), *channels)
	}
	if *volume < 0 || *volume > 255 {
		log.Fatalf("invalid -volume %d (expected 0-255)", *volume)
	}

	drv, err := mmltone.New(
		mmltone.WithSampleRate(*sampleRate),
		mmltone.WithChannels(*channels),
		mmltone.WithQueueCapacity(*queueCap),
		mmltone.WithChunkSize(*chunkSize),
		mmltone.WithLookahead(*lookahead),
		mmltone.WithMasterVolume(uint8(*volume)),
		mmltone.WithLogger(log.Default()),
		mmltone.WithMarkerFunc(func(ch int) { fmt.Printf("marker on channel %d\n", ch) }),
	)
	if err != nil {
		log.Fatal(err)
	}
	for ch, text := range texts {
		if err := drv.Validate(text); err != nil {
			log.Fatalf("channel %d: %v", ch, err)
		}
	}
	if *check {
		fmt.Printf("%d channel(s) OK\n", len(texts))
		return
	}
	for ch, text := range texts {
		if err := drv.Play(ch, text); err != nil {
			log.Fatalf("channel %d: %v", ch, err)
		}
	}

	start := time.Now()
	switch name := normalizeBackend(*backend); name {
	case "wav":
		err = renderWAV(drv, *outPath, *tps, *maxDur)
	case "ebiten", "oto":
		err = playLive(drv, name, *bufferSize, *tps, *maxDur)
	default:
		err = fmt.Errorf("invalid -backend %q (expected ebiten|oto|wav)", *backend)
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("done in %s\n", durafmt.Parse(time.Since(start)).LimitFirstN(2))
}

func renderWAV(drv *mmltone.Driver, path string, tps int, maxDur time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := audio.NewWAVWriter(f, drv.SampleRate(), 1)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := drv.RenderTo(w, tps, maxDur); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %s of audio, %s\n", path,
		durafmt.Parse(w.Duration()).LimitFirstN(2), humanize.Bytes(uint64(w.DataSize()+44)))
	return nil
}

func playLive(drv *mmltone.Driver, backend string, bufferSize time.Duration, tps int, maxDur time.Duration) error {
	var (
		out audio.Output
		err error
	)
	if backend == "oto" {
		out, err = audio.NewOtoPlayer(drv.SampleRate(), bufferSize)
	} else {
		out, err = audio.NewPlayer(drv.SampleRate(), bufferSize)
	}
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if maxDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDur)
		defer cancel()
	}

	events := drv.Watch()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return drv.Run(ctx, out)
	})
	g.Go(func() error {
		lim := rate.NewLimiter(rate.Every(time.Second/time.Duration(max(tps, 1))), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			drv.Tick()
			if !drv.AnyPlaying() && drv.Quiet() {
				// Returning an error cancels the render goroutine.
				return errFinished
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				printEvent(ev)
			}
		}
	})
	out.Play()

	err = g.Wait()
	if errors.Is(err, errFinished) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

var errFinished = errors.New("playback finished")

func normalizeBackend(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func printEvent(ev mmltone.PlaybackEvent) {
	switch ev.Kind {
	case mmltone.EventLoopCompleted:
		fmt.Printf("channel %d looped\n", ev.Channel)
	case mmltone.EventPlaybackEnded:
		fmt.Printf("channel %d ended\n", ev.Channel)
	case mmltone.EventError:
		fmt.Printf("channel %d stopped: %v\n", ev.Channel, ev.Err)
	}
}

// resolveMMLInput splits the input into one text per channel.
func resolveMMLInput(path string, inline string) ([]string, error) {
	text := defaultMML
	switch {
	case strings.TrimSpace(inline) != "":
		text = inline
	case strings.TrimSpace(path) != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		text = strings.ReplaceAll(string(data), "\n", ";")
	}
	var texts []string
	for _, part := range strings.Split(text, ";") {
		if part = strings.TrimSpace(part); part != "" {
			texts = append(texts, part)
		}
	}
	if len(texts) == 0 {
		return nil, errors.New("no MML to play")
	}
	return texts, nil
}
