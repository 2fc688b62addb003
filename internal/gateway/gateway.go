// Package gateway wraps the external image-generation service behind a small
// Generator interface. Every image it returns is a PNG data URL that already
// carries the studio watermark.
package gateway

import (
	"context"

	"github.com/joescharf/fitroom/internal/imagecodec"
)

// Generator is the remote generation service. Image arguments and results
// are image references (data URLs).
type Generator interface {
	// GenerateModel turns a user photo into a studio model image.
	GenerateModel(ctx context.Context, photo string) (string, error)
	// TryOn dresses the model in the garment.
	TryOn(ctx context.Context, model, garment, background string) (string, error)
	// PoseVariation re-renders the image in the given pose.
	PoseVariation(ctx context.Context, image, instruction, background string) (string, error)
	// Edit applies a free-text instruction to the image.
	Edit(ctx context.Context, image, prompt string) (string, error)
}

// Watermarking stamps the watermark on every successful result of the
// wrapped Generator.
type Watermarking struct {
	next Generator
	text string
}

// WithWatermark decorates next so every returned image is watermarked.
// An empty text falls back to imagecodec.DefaultWatermark.
func WithWatermark(next Generator, text string) *Watermarking {
	if text == "" {
		text = imagecodec.DefaultWatermark
	}
	return &Watermarking{next: next, text: text}
}

func (w *Watermarking) GenerateModel(ctx context.Context, photo string) (string, error) {
	return w.stamp(w.next.GenerateModel(ctx, photo))
}

func (w *Watermarking) TryOn(ctx context.Context, model, garment, background string) (string, error) {
	return w.stamp(w.next.TryOn(ctx, model, garment, background))
}

func (w *Watermarking) PoseVariation(ctx context.Context, image, instruction, background string) (string, error) {
	return w.stamp(w.next.PoseVariation(ctx, image, instruction, background))
}

func (w *Watermarking) Edit(ctx context.Context, image, prompt string) (string, error) {
	return w.stamp(w.next.Edit(ctx, image, prompt))
}

func (w *Watermarking) stamp(ref string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	_, data, err := imagecodec.DecodeDataURL(ref)
	if err != nil {
		return "", &GenerationError{Kind: KindNoImage, Message: "The AI model returned an unreadable image.", Err: err}
	}
	out, err := imagecodec.Watermark(data, w.text)
	if err != nil {
		return "", &GenerationError{Kind: KindNoImage, Message: "The AI model returned an unreadable image.", Err: err}
	}
	return imagecodec.EncodeDataURL("image/png", out), nil
}
