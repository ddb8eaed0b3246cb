package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/cbegin/mmltone-go"
	"github.com/cbegin/mmltone-go/internal/audio"
	"github.com/cbegin/mmltone-go/internal/config"
)

const (
	windowW = 960
	windowH = 640

	textScale = 2
	charW     = 7 * textScale
	lineH     = 14 * textScale

	scopeLen = 4096
)

var (
	bgColor     = color.RGBA{192, 192, 192, 255}
	panelColor  = color.RGBA{192, 192, 192, 255}
	borderColor = color.RGBA{128, 128, 128, 255}
	bevelLight  = color.RGBA{255, 255, 255, 255}
	bevelDarker = color.RGBA{64, 64, 64, 255}

	sunkenBgColor = color.RGBA{24, 24, 32, 255}
	scopeColor    = color.RGBA{0, 255, 96, 255}
	mutedColor    = color.RGBA{128, 0, 0, 255}

	demoMML = []string{
		"T140 L8 O4 $ CEGE CEGE DFAF DFAF",
		"T140 L2 O3 $ C C D D",
		"T140 L4 $ R V40 N-1 R N-1",
	}
)

// scope keeps the most recent samples written to the device.
type scope struct {
	out audio.Output

	mu       sync.Mutex
	ring     []int16
	writePos int
}

func (s *scope) WriteSamples(p []int16) error {
	s.mu.Lock()
	for _, v := range p {
		s.ring[s.writePos] = v
		s.writePos = (s.writePos + 1) % len(s.ring)
	}
	s.mu.Unlock()
	return s.out.WriteSamples(p)
}

func (s *scope) Snapshot(dst []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := (s.writePos - len(dst) + len(s.ring)) % len(s.ring)
	for i := range dst {
		dst[i] = s.ring[(start+i)%len(s.ring)]
	}
}

type game struct {
	drv    *mmltone.Driver
	events <-chan mmltone.PlaybackEvent
	scope  *scope
	cancel context.CancelFunc
	done   chan error
	runErr error
	ended  bool

	texts  []string
	volume uint8
	muted  []bool

	wave      []int16
	status    string
	statusErr bool
	textCache map[string]*ebiten.Image
}

func newGame(texts []string, cfg config.Config) (*game, error) {
	drv, err := mmltone.New(
		mmltone.WithSampleRate(cfg.SampleRate),
		mmltone.WithChannels(max(cfg.Channels, len(texts))),
		mmltone.WithQueueCapacity(cfg.QueueCapacity),
		mmltone.WithChunkSize(cfg.ChunkSize),
		mmltone.WithLookahead(cfg.Lookahead),
		mmltone.WithMasterVolume(uint8(min(max(cfg.MasterVolume, 0), 255))),
	)
	if err != nil {
		return nil, err
	}
	pl, err := audio.NewPlayer(drv.SampleRate(), cfg.BufferSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &game{
		drv:       drv,
		events:    drv.Watch(),
		scope:     &scope{out: pl, ring: make([]int16, scopeLen)},
		cancel:    cancel,
		done:      make(chan error, 1),
		texts:     texts,
		volume:    uint8(min(max(cfg.MasterVolume, 0), 255)),
		muted:     make([]bool, drv.Channels()),
		wave:      make([]int16, windowW),
		textCache: make(map[string]*ebiten.Image, 256),
	}
	go func() {
		err := drv.Run(ctx, g.scope)
		pl.Close()
		g.done <- err
	}()
	pl.Play()
	g.restart()
	return g, nil
}

func (g *game) Update() error {
	g.pollEvents()
	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeyEscape):
		return ebiten.Termination
	case inpututil.IsKeyJustPressed(ebiten.KeySpace):
		g.restart()
	case inpututil.IsKeyJustPressed(ebiten.KeyS):
		g.drv.StopAll()
		g.setStatus("Stopped")
	case inpututil.IsKeyJustPressed(ebiten.KeyB):
		// Direct tones preempt whatever the last channel is playing.
		if err := g.drv.DirectTone(g.drv.Channels()-1, 880, 120, 255); err != nil {
			g.setError(err.Error())
		}
	}
	for ch := 0; ch < min(g.drv.Channels(), 9); ch++ {
		if inpututil.IsKeyJustPressed(ebiten.Key1 + ebiten.Key(ch)) {
			g.toggleMute(ch)
		}
	}
	g.drv.Tick()
	select {
	case err := <-g.done:
		g.runErr, g.ended = err, true
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ebiten.Termination
	default:
	}
	return nil
}

func (g *game) restart() {
	g.drv.Initialize()
	for ch, text := range g.texts {
		if err := g.drv.Play(ch, text); err != nil {
			g.drv.StopAll()
			g.setError(fmt.Sprintf("channel %d: %v", ch, err))
			return
		}
	}
	g.applyVolumes()
	g.setStatus("Playing")
}

func (g *game) toggleMute(ch int) {
	g.muted[ch] = !g.muted[ch]
	g.applyVolumes()
}

func (g *game) applyVolumes() {
	for ch, m := range g.muted {
		v := g.volume
		if m {
			v = 0
		}
		if err := g.drv.SetMasterVolume(ch, v); err != nil {
			g.setError(err.Error())
		}
	}
}

func (g *game) pollEvents() {
	for {
		select {
		case ev := <-g.events:
			switch ev.Kind {
			case mmltone.EventError:
				g.setError(fmt.Sprintf("channel %d: %v", ev.Channel, ev.Err))
			case mmltone.EventPlaybackEnded:
				if !g.drv.AnyPlaying() && !g.statusErr {
					g.setStatus("Playback ended")
				}
			}
		default:
			return
		}
	}
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(bgColor)

	panelH := lineH*2 + 16
	for ch := 0; ch < g.drv.Channels(); ch++ {
		rect := image.Rect(8, 8+ch*(panelH+6), windowW-8, 8+ch*(panelH+6)+panelH)
		g.drawChannel(screen, rect, ch)
	}
	top := 8 + g.drv.Channels()*(panelH+6)
	scopeRect := image.Rect(8, top, windowW-8, windowH-lineH-24)
	g.drawScope(screen, scopeRect)

	statusRect := image.Rect(8, windowH-lineH-16, windowW-8, windowH-8)
	drawSunkenPanel(screen, statusRect)
	g.drawText(screen, g.status, statusRect.Min.X+8, statusRect.Min.Y+4)
}

func (g *game) drawChannel(screen *ebiten.Image, rect image.Rectangle, ch int) {
	drawPanel(screen, rect)
	if g.muted[ch] {
		ebitenutil.DrawRect(screen, float64(rect.Max.X-24), float64(rect.Min.Y+6), 16, 16, mutedColor)
	}
	st, err := g.drv.Status(ch)
	if err != nil {
		return
	}
	state := "idle"
	switch {
	case st.Err != nil:
		state = "error"
	case st.Playing:
		state = "playing"
	case st.PendingMS > 0:
		state = "draining"
	}
	head := fmt.Sprintf("%d %-8s T%-6.4g O%-2d bar %-4d %6.0fms", ch+1, state, st.Tempo, (st.Octave+9)/12, st.Bars, st.PendingMS)
	g.drawText(screen, head, rect.Min.X+8, rect.Min.Y+6)
	if ch < len(g.texts) {
		g.drawText(screen, cursorWindow(g.texts[ch], st.Cursor, (rect.Dx()-16)/charW), rect.Min.X+8, rect.Min.Y+6+lineH)
	}
}

// cursorWindow returns up to width characters of text starting a little
// before the cursor.
func cursorWindow(text string, cursor int, width int) string {
	if width <= 0 {
		return ""
	}
	start := max(0, min(cursor-width/4, len(text)-width))
	end := min(len(text), start+width)
	return strings.ReplaceAll(text[start:end], "\n", " ")
}

func (g *game) drawScope(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), sunkenBgColor)
	drawSunkenBorder(screen, rect)
	if g.drv.Quiet() {
		return
	}
	w := min(rect.Dx()-4, len(g.wave))
	samples := g.wave[:w]
	g.scope.Snapshot(samples)
	mid := float64(rect.Min.Y + rect.Dy()/2)
	half := float64(rect.Dy()/2 - 2)
	for x := 1; x < w; x++ {
		y0 := mid - float64(samples[x-1])/32768*half*3
		y1 := mid - float64(samples[x])/32768*half*3
		ebitenutil.DrawLine(screen, float64(rect.Min.X+1+x), y0, float64(rect.Min.X+2+x), y1, scopeColor)
	}
}

func (g *game) Layout(int, int) (int, int) { return windowW, windowH }

func (g *game) Close() error {
	g.drv.StopAll()
	g.cancel()
	if !g.ended {
		g.runErr, g.ended = <-g.done, true
	}
	return g.runErr
}

func (g *game) setError(msg string) {
	g.status = msg
	g.statusErr = true
}

func (g *game) setStatus(msg string) {
	g.status = msg
	g.statusErr = false
}

func drawPanel(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), panelColor)
	drawBorder(screen, rect)
}

func drawSunkenPanel(screen *ebiten.Image, rect image.Rectangle) {
	ebitenutil.DrawRect(screen, float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()), sunkenBgColor)
	drawSunkenBorder(screen, rect)
}

// drawBorder draws a raised bevel.
func drawBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, bevelLight)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, bevelLight)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelDarker)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelDarker)
	ebitenutil.DrawRect(screen, x+1, y+h-2, w-3, 1, borderColor)
	ebitenutil.DrawRect(screen, x+w-2, y+1, 1, h-3, borderColor)
}

func drawSunkenBorder(screen *ebiten.Image, rect image.Rectangle) {
	x, y := float64(rect.Min.X), float64(rect.Min.Y)
	w, h := float64(rect.Dx()), float64(rect.Dy())
	ebitenutil.DrawRect(screen, x, y, w-1, 1, borderColor)
	ebitenutil.DrawRect(screen, x, y+1, 1, h-2, borderColor)
	ebitenutil.DrawRect(screen, x, y+h-1, w, 1, bevelLight)
	ebitenutil.DrawRect(screen, x+w-1, y, 1, h, bevelLight)
}

func (g *game) drawText(screen *ebiten.Image, msg string, x int, y int) {
	if msg == "" {
		return
	}
	img := g.textCache[msg]
	if img == nil {
		img = ebiten.NewImage(max(1, len([]rune(msg))*7), 14)
		ebitenutil.DebugPrintAt(img, msg, 0, 0)
		if len(g.textCache) > 1000 {
			g.textCache = make(map[string]*ebiten.Image, 256)
		}
		g.textCache[msg] = img
	}
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x+2), float64(y+2))
	op.ColorScale.Scale(0, 0, 0, 1)
	screen.DrawImage(img, op)
	op = &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x), float64(y))
	screen.DrawImage(img, op)
}

func loadTexts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			texts = append(texts, line)
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%s: no MML", path)
	}
	return texts, nil
}

func main() {
	cfg := config.Load()
	texts := demoMML
	title := "demo"
	if len(os.Args) > 1 {
		p, err := filepath.Abs(os.Args[1])
		if err != nil {
			log.Fatalf("resolve %q: %v", os.Args[1], err)
		}
		if texts, err = loadTexts(p); err != nil {
			log.Fatal(err)
		}
		title = filepath.Base(p)
	}

	g, err := newGame(texts, cfg)
	if err != nil {
		log.Fatal(err)
	}

	ebiten.SetWindowSize(windowW, windowH)
	ebiten.SetTPS(cfg.TicksPerSecond)
	ebiten.SetWindowTitle(fmt.Sprintf("mmltone-go: %s  [space] restart  [s] stop  [1-9] mute  [b] beep", title))
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
	if err := g.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Print(err)
	}
}
