package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math/rand"
	"time"

	"github.com/fogleman/gg"

	"github.com/aliskhannn/zimage-server/internal/model"
)

// ProgressFunc receives per-step progress while a pipeline is running. It is
// invoked synchronously from the worker's goroutine.
type ProgressFunc func(p model.Progress)

// Generator produces a base image from text-to-image parameters. It reports
// progress through the callback and must honor context cancellation between
// steps.
type Generator interface {
	Run(ctx context.Context, p model.Params, onProgress ProgressFunc) (image.Image, error)
}

// TextToImage is a procedural diffusion-style renderer: it layers seeded
// translucent shapes over a gradient, one layer per inference step. The
// output is fully determined by the normalized parameters, which keeps the
// result cache meaningful. It stands in for a GPU model behind the same
// interface.
type TextToImage struct {
	// StepDelay slows each step down to emulate model latency. Zero in
	// tests, a small value in production config so progress events are
	// observable.
	StepDelay time.Duration
}

// NewTextToImage creates a renderer with the given per-step delay.
func NewTextToImage(stepDelay time.Duration) *TextToImage {
	return &TextToImage{StepDelay: stepDelay}
}

// Run renders the image. It emits one progress callback per step with the
// same fields the model's step logger produces: percentage, current_step,
// total_steps, elapsed, remaining and speed.
func (g *TextToImage) Run(ctx context.Context, p model.Params, onProgress ProgressFunc) (image.Image, error) {
	if p.Prompt == "" {
		return nil, model.ErrMissingPrompt
	}

	rng := rand.New(rand.NewSource(renderSeed(p)))

	dc := gg.NewContext(p.Width, p.Height)
	drawBackground(dc, rng, p.Width, p.Height)

	start := time.Now()

	for step := 1; step <= p.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		drawLayer(dc, rng, p.Width, p.Height, step, p.Steps)

		if g.StepDelay > 0 {
			time.Sleep(g.StepDelay)
		}

		if onProgress != nil {
			onProgress(stepProgress(step, p.Steps, start))
		}
	}

	return dc.Image(), nil
}

// renderSeed mixes every normalized parameter into the RNG seed so any
// parameter change yields a different image.
func renderSeed(p model.Params) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|%g|%s", p.Prompt, p.Width, p.Height, p.Steps, p.GuidanceScale, p.ModelType)

	return p.Seed ^ int64(h.Sum64())
}

func drawBackground(dc *gg.Context, rng *rand.Rand, w, h int) {
	grad := gg.NewLinearGradient(0, 0, float64(w), float64(h))
	grad.AddColorStop(0, randColor(rng, 255))
	grad.AddColorStop(1, randColor(rng, 255))

	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()
}

// drawLayer adds one step's worth of translucent shapes. Later steps draw
// smaller, denser shapes, so the image visibly refines as steps progress.
func drawLayer(dc *gg.Context, rng *rand.Rand, w, h, step, total int) {
	refinement := float64(step) / float64(total)
	count := 8 + step*4
	maxRadius := (1.1 - refinement) * float64(min(w, h)) / 3

	for i := 0; i < count; i++ {
		dc.SetColor(randColor(rng, 40))
		x := rng.Float64() * float64(w)
		y := rng.Float64() * float64(h)
		r := rng.Float64()*maxRadius + 2

		dc.DrawCircle(x, y, r)
		dc.Fill()
	}
}

func randColor(rng *rand.Rand, alpha uint8) color.Color {
	return color.NRGBA{
		R: uint8(rng.Intn(256)),
		G: uint8(rng.Intn(256)),
		B: uint8(rng.Intn(256)),
		A: alpha,
	}
}

func stepProgress(step, total int, start time.Time) model.Progress {
	elapsed := time.Since(start)
	perStep := elapsed / time.Duration(step)
	remaining := perStep * time.Duration(total-step)

	return model.Progress{
		Stage:       "generating",
		Percentage:  step * 100 / total,
		CurrentStep: step,
		TotalSteps:  total,
		Elapsed:     formatClock(elapsed),
		Remaining:   formatClock(remaining),
		Speed:       fmt.Sprintf("%.2fs/it", perStep.Seconds()),
	}
}

// formatClock renders a duration as "m:ss", the format progress bars use.
func formatClock(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())

	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
