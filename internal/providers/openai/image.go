package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/atelierlabs/atelier/internal/adapters/metrics"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// Generate renders the prompt through the images API and stages the result
// in scratch space. The caller copies it into the session directory. The
// API has no negative-prompt channel, so a negative prompt is folded into
// the text; seeds are not supported and are ignored.
func (p *Provider) Generate(ctx context.Context, promptText string, opts ports.ImageOptions) (*ports.ImageResult, error) {
	model := p.cfg.ModelImage
	if model == "" {
		model = openai.CreateImageModelDallE3
	}

	fullPrompt := promptText
	if opts.NegativePrompt != "" {
		fullPrompt += "\nAvoid: " + opts.NegativePrompt
	}

	req := openai.ImageRequest{
		Prompt: fullPrompt,
		Model:  model,
		N:      1,
		Size:   sizeFor(opts.Width, opts.Height),
	}
	if isDallE(model) {
		req.ResponseFormat = openai.CreateImageResponseFormatB64JSON
	}

	start := time.Now()
	resp, err := p.client.CreateImage(ctx, req)
	metrics.ImageGenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classify("openai.image", err)
	}
	if len(resp.Data) == 0 {
		return nil, fault.New(fault.ParseFailure, "openai.image", "response has no image")
	}

	d := resp.Data[0]
	localPath, err := p.stageImage(ctx, d, opts)
	if err != nil {
		return nil, err
	}

	return &ports.ImageResult{
		URL:           d.URL,
		LocalPath:     localPath,
		RevisedPrompt: d.RevisedPrompt,
		Meta:          ports.CallMeta{Model: model, Latency: time.Since(start)},
	}, nil
}

func isDallE(model string) bool {
	return strings.HasPrefix(model, "dall-e")
}

// sizeFor maps the requested dimensions onto the closest supported size by
// aspect ratio.
func sizeFor(width, height int) string {
	switch {
	case width > height:
		return openai.CreateImageSize1792x1024
	case height > width:
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}

// stageImage writes the returned image to scratch space, decoding inline
// base64 when present and downloading the URL otherwise.
func (p *Provider) stageImage(ctx context.Context, d openai.ImageResponseDataInner, opts ports.ImageOptions) (string, error) {
	f, err := os.CreateTemp(p.scratch, scratchPattern(opts))
	if err != nil {
		return "", fault.Wrap(fault.Fatal, "openai.image", err)
	}
	defer f.Close()

	switch {
	case d.B64JSON != "":
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			os.Remove(f.Name())
			return "", fault.Wrap(fault.ParseFailure, "openai.image", err)
		}
		if _, err := f.Write(raw); err != nil {
			os.Remove(f.Name())
			return "", fault.Wrap(fault.Fatal, "openai.image", err)
		}
	case d.URL != "":
		if err := p.download(ctx, d.URL, f); err != nil {
			os.Remove(f.Name())
			return "", err
		}
	default:
		os.Remove(f.Name())
		return "", fault.New(fault.ParseFailure, "openai.image", "image carries neither data nor URL")
	}
	return f.Name(), nil
}

func scratchPattern(opts ports.ImageOptions) string {
	if opts.SessionID == "" {
		return "atelier-img-*.png"
	}
	return fmt.Sprintf("atelier-%s-i%dc%d-*.png", opts.SessionID, opts.Iteration, opts.CandidateID)
}

func (p *Provider) download(ctx context.Context, url string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, "openai.image", err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return fault.Wrap(fault.ServiceUnavailable, "openai.image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fault.Newf(fault.ServiceUnavailable, "openai.image", "image download returned %d", resp.StatusCode)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fault.Wrap(fault.ServiceUnavailable, "openai.image", err)
	}
	return nil
}
