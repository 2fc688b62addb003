package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// GarmentDescription holds the catalog details inferred from a garment photo.
type GarmentDescription struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Color    string `json:"color"`
}

// Client wraps the Anthropic API for garment description.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// supportedMedia lists the image types the vision endpoint accepts.
var supportedMedia = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// buildDescribePrompt constructs the system and user prompts for garment
// description.
func buildDescribePrompt(hint string) (system string, user string) {
	system = `You catalog clothing for a virtual fitting room. Given a photo of a single garment, return a JSON object with these fields:
- "name": a short shop-style product name, 2-5 words, title case (e.g. "Black Leather Jacket")
- "category": one of "top", "bottom", "dress", "outerwear", "shoes", "accessory"
- "color": the dominant color in one or two words

Rules:
- Describe only the garment, never the person or background
- If several garments are visible, describe the most prominent one
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Describe the garment in this photo.")
	if hint != "" {
		sb.WriteString("\n\nThe uploaded file was named: ")
		sb.WriteString(hint)
	}
	user = sb.String()
	return
}

// DescribeGarment sends a garment image to the LLM and returns catalog
// details for it. hint is an optional file name passed as context.
func (c *Client) DescribeGarment(ctx context.Context, mimeType string, data []byte, hint string) (*GarmentDescription, error) {
	if !supportedMedia[mimeType] {
		return nil, fmt.Errorf("unsupported image type for description: %s", mimeType)
	}
	systemPrompt, userPrompt := buildDescribePrompt(hint)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(data)),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return parseDescription(text)
}

// parseDescription decodes the model's reply, tolerating markdown fencing.
func parseDescription(text string) (*GarmentDescription, error) {
	text = stripFence(text)

	var desc GarmentDescription
	if err := json.Unmarshal([]byte(text), &desc); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return nil, fmt.Errorf("LLM response has no garment name: %s", text)
	}
	return &desc, nil
}

// stripFence removes a surrounding ``` block if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
