package pipeline

import (
	"context"
	"errors"
	"image"

	"github.com/disintegration/imaging"
)

// ErrUpscaleSkipped signals that the base image was already large enough and
// no upscaled artifact was produced. The job still completes.
var ErrUpscaleSkipped = errors.New("upscale skipped: image large enough")

// Upscaler enlarges a generated image.
type Upscaler interface {
	Run(ctx context.Context, img image.Image) (image.Image, error)
}

// LanczosUpscaler resamples the image so its smaller dimension reaches
// TargetMinSize, preserving aspect ratio. Images that already meet the
// target are skipped.
type LanczosUpscaler struct {
	TargetMinSize int
}

// NewLanczosUpscaler creates an upscaler targeting the given minimum
// dimension (1024 matches the generation default).
func NewLanczosUpscaler(targetMinSize int) *LanczosUpscaler {
	return &LanczosUpscaler{TargetMinSize: targetMinSize}
}

func (u *LanczosUpscaler) Run(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	minDim := min(w, h)
	if minDim >= u.TargetMinSize {
		return nil, ErrUpscaleSkipped
	}

	scale := float64(u.TargetMinSize) / float64(minDim)
	dstW := int(float64(w)*scale + 0.5)
	dstH := int(float64(h)*scale + 0.5)

	return imaging.Resize(img, dstW, dstH, imaging.Lanczos), nil
}
