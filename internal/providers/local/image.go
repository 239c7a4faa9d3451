package local

import (
	"context"
	"encoding/json"
	"time"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
	"github.com/atelierlabs/atelier/internal/ports"
)

// imageRequest is the wire request of the local diffusion shim.
type imageRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// imageResponse is the shim's answer. The shim shares a filesystem with
// this process and returns the rendered file's path; base_image_path is
// set when the shim ran an img2img pass.
type imageResponse struct {
	ImagePath     string `json:"image_path"`
	BaseImagePath string `json:"base_image_path,omitempty"`
	SeedUsed      *int64 `json:"seed_used,omitempty"`
}

// Generate renders the prompt on the local diffusion service. The
// returned path points at the shim's scratch space; the caller copies it
// into the session directory. Content refusals surface as 400s with a
// policy message in the body and are not retried here.
func (p *Provider) Generate(ctx context.Context, promptText string, opts ports.ImageOptions) (*ports.ImageResult, error) {
	var out *ports.ImageResult
	err := p.gate.WithImageGenOperation(ctx, func(ctx context.Context) error {
		return p.callWithRecovery(ctx, gpu.ServiceImage, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.imageTO)
			defer cancel()

			start := time.Now()
			raw, err := p.postJSON(callCtx, p.gate.BaseURL(gpu.ServiceImage)+"/generate", imageRequest{
				Prompt:         promptText,
				NegativePrompt: opts.NegativePrompt,
				Width:          opts.Width,
				Height:         opts.Height,
				Steps:          opts.Steps,
				Guidance:       opts.Guidance,
				Seed:           opts.Seed,
			})
			metrics.ImageGenerationDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return err
			}

			var decoded imageResponse
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return fault.Wrap(fault.ParseFailure, "local.image", err)
			}
			if decoded.ImagePath == "" {
				return fault.New(fault.ParseFailure, "local.image", "response has no image path")
			}

			out = &ports.ImageResult{
				LocalPath:     decoded.ImagePath,
				BaseImagePath: decoded.BaseImagePath,
				Meta:          ports.CallMeta{Latency: time.Since(start)},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
