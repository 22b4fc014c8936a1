package browser

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Keystroke is one planned character of human-like typing.
type Keystroke struct {
	Char rune
	// Typo, when non-zero, is typed and erased before Char.
	Typo  rune
	Delay time.Duration
	// Pause is an extra hesitation before the keystroke.
	Pause time.Duration
}

// Rand is the randomness used to plan input.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }
func (defaultRand) IntN(n int) int   { return rand.IntN(n) }

const (
	typeBaseDelay  = 40 * time.Millisecond
	typeSlowDelay  = 80 * time.Millisecond
	typeMaxFactor  = 2.5
	typePauseProb  = 0.05
	typeTypoProb   = 0.02
	typePauseMin   = 200 * time.Millisecond
	typePauseRange = 300
	slowChars      = "@.!?"
)

// PlanTyping produces per-character delays. Capitals and punctuation are
// slower, with occasional pauses and corrected typos.
func PlanTyping(text string, r Rand) []Keystroke {
	if r == nil {
		r = defaultRand{}
	}
	plan := make([]Keystroke, 0, len(text))
	for _, ch := range text {
		base := typeBaseDelay
		if (ch >= 'A' && ch <= 'Z') || strings.ContainsRune(slowChars, ch) {
			base = typeSlowDelay
		}
		k := Keystroke{
			Char:  ch,
			Delay: time.Duration(float64(base) * (1 + r.Float64()*(typeMaxFactor-1))),
		}
		if r.Float64() < typePauseProb {
			k.Pause = typePauseMin + time.Duration(r.IntN(typePauseRange))*time.Millisecond
		}
		if r.Float64() < typeTypoProb && ch >= 'a' && ch <= 'z' {
			k.Typo = 'a' + rune(r.IntN(26))
		}
		plan = append(plan, k)
	}
	return plan
}

// MousePath returns intermediate points from one position to another along
// a slightly bowed curve.
func MousePath(from, to proto.Point, steps int, r Rand) []proto.Point {
	if r == nil {
		r = defaultRand{}
	}
	if steps < 1 {
		steps = 1
	}
	bow := (r.Float64()*2 - 1) * 30
	// Perpendicular to the straight line.
	dx, dy := to.X-from.X, to.Y-from.Y
	length := math.Hypot(dx, dy)
	var nx, ny float64
	if length > 0 {
		nx, ny = -dy/length, dx/length
	}

	path := make([]proto.Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		eased := (1 - math.Cos(t*math.Pi)) / 2
		offset := math.Sin(t*math.Pi) * bow
		path = append(path, proto.Point{
			X: from.X + dx*eased + nx*offset,
			Y: from.Y + dy*eased + ny*offset,
		})
	}
	return path
}

// HumanType focuses el and types text one character at a time.
func HumanType(ctx context.Context, page *rod.Page, el *rod.Element, text string) error {
	if err := el.Context(ctx).Focus(); err != nil {
		return err
	}
	p := page.Context(ctx)
	for _, k := range PlanTyping(text, nil) {
		if err := sleep(ctx, k.Pause); err != nil {
			return err
		}
		if k.Typo != 0 {
			if err := p.InsertText(string(k.Typo)); err != nil {
				return err
			}
			if err := sleep(ctx, k.Delay); err != nil {
				return err
			}
			if err := p.Keyboard.Type(input.Backspace); err != nil {
				return err
			}
		}
		if err := p.InsertText(string(k.Char)); err != nil {
			return err
		}
		if err := sleep(ctx, k.Delay); err != nil {
			return err
		}
	}
	return nil
}

// HumanClick moves the mouse to a random point inside el and clicks it.
func HumanClick(ctx context.Context, page *rod.Page, el *rod.Element) error {
	shape, err := el.Context(ctx).Shape()
	if err != nil {
		return err
	}
	box := shape.Box()
	if box == nil {
		return el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
	}

	r := defaultRand{}
	target := proto.Point{
		X: box.X + box.Width*(0.3+0.4*r.Float64()),
		Y: box.Y + box.Height*(0.3+0.4*r.Float64()),
	}
	mouse := page.Context(ctx).Mouse
	for _, pt := range MousePath(mouse.Position(), target, 10+r.IntN(21), r) {
		if err := mouse.MoveTo(pt); err != nil {
			return err
		}
		if err := sleep(ctx, time.Duration(5+r.IntN(15))*time.Millisecond); err != nil {
			return err
		}
	}
	if err := sleep(ctx, time.Duration(50+r.IntN(100))*time.Millisecond); err != nil {
		return err
	}
	return mouse.Click(proto.InputMouseButtonLeft, 1)
}

// RandomDelay waits a uniformly random duration in [min, max).
func RandomDelay(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += rand.N(max - min)
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
