package gateway

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/joescharf/fitroom/internal/imagecodec"
)

// DefaultModel is the Gemini image model used when none is configured.
const DefaultModel = "gemini-2.5-flash-image"

// Gemini implements Generator on the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed generator. An empty apiKey defers to the
// SDK's environment lookup (GEMINI_API_KEY / GOOGLE_API_KEY).
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) GenerateModel(ctx context.Context, photo string) (string, error) {
	return g.generate(ctx, modelPrompt, photo)
}

func (g *Gemini) TryOn(ctx context.Context, model, garment, background string) (string, error) {
	return g.generate(ctx, tryOnPrompt(background), model, garment)
}

func (g *Gemini) PoseVariation(ctx context.Context, image, instruction, background string) (string, error) {
	return g.generate(ctx, posePrompt(instruction, background), image)
}

func (g *Gemini) Edit(ctx context.Context, image, prompt string) (string, error) {
	return g.generate(ctx, editPrompt(prompt), image)
}

func (g *Gemini) generate(ctx context.Context, prompt string, images ...string) (string, error) {
	parts := make([]*genai.Part, 0, len(images)+1)
	for _, ref := range images {
		mime, data, err := imagecodec.DecodeDataURL(ref)
		if err != nil {
			return "", fmt.Errorf("prepare image: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil)
	if err != nil {
		return "", &GenerationError{Kind: KindTransport, Message: err.Error(), Err: err}
	}
	return fromGenai(resp).image()
}

// response is the subset of a generation response the gateway inspects.
type response struct {
	blockReason  string
	blockMessage string
	finishReason string
	imageMIME    string
	imageData    []byte
	text         string
}

func fromGenai(resp *genai.GenerateContentResponse) response {
	var r response
	if resp == nil {
		return r
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		r.blockReason = string(fb.BlockReason)
		r.blockMessage = fb.BlockReasonMessage
	}
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if r.finishReason == "" {
			r.finishReason = string(cand.FinishReason)
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && r.imageData == nil {
				r.imageMIME = part.InlineData.MIMEType
				r.imageData = part.InlineData.Data
			}
			if part.Text != "" && r.text == "" {
				r.text = part.Text
			}
		}
	}
	return r
}

const finishReasonStop = "STOP"

// image extracts the generated image or classifies why there is none.
func (r response) image() (string, error) {
	if r.blockReason != "" && r.blockReason != "BLOCKED_REASON_UNSPECIFIED" {
		msg := fmt.Sprintf("Request was blocked. Reason: %s.", r.blockReason)
		if r.blockMessage != "" {
			msg += " " + r.blockMessage
		}
		return "", &GenerationError{Kind: KindBlocked, Message: msg}
	}

	if len(r.imageData) > 0 {
		mime := r.imageMIME
		if mime == "" {
			mime = "image/png"
		}
		return imagecodec.EncodeDataURL(mime, r.imageData), nil
	}

	if r.finishReason != "" && r.finishReason != finishReasonStop {
		return "", &GenerationError{
			Kind:    KindStopped,
			Message: fmt.Sprintf("Image generation stopped unexpectedly. Reason: %s. This often relates to safety settings.", r.finishReason),
		}
	}

	msg := "The AI model did not return an image. "
	if r.text != "" {
		msg += fmt.Sprintf("The model responded with text: %q", r.text)
	} else {
		msg += "This can happen due to safety filters or if the request is too complex. Please try a different image."
	}
	return "", &GenerationError{Kind: KindNoImage, Message: msg}
}
