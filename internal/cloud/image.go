// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
)

// ImageResponse is the raw outcome of an image generation request. Callers
// decide whether the payload is usable.
type ImageResponse struct {
	Model        string
	URLs         []string
	Text         string
	FinishReason string
}

// GenerateImage asks an image-capable model for an image using the
// modalities field. It is never retried.
func (c *OpenRouterClient) GenerateImage(ctx context.Context, model, prompt string) (*ImageResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	req := ChatRequest{
		Model:      model,
		Messages:   []ChatMessage{NewUserMessage(prompt)},
		Modalities: []string{"image", "text"},
	}
	c.resolveModel(&req)

	resp, err := c.doRequest(ctx, "image", req)
	if err != nil {
		return nil, err
	}

	out := &ImageResponse{Model: resp.Model}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	out.Text = choice.Message.Content
	for _, img := range choice.Message.Images {
		if img.ImageURL.URL != "" {
			out.URLs = append(out.URLs, img.ImageURL.URL)
		}
	}
	return out, nil
}
