package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/vincent-petithory/dataurl"
)

type Output struct {
	JobID       string             `json:"job_id,omitempty"`
	Kind        string             `json:"kind"`
	Format      string             `json:"format"`
	DataURL     string             `json:"data_url"`
	Location    string             `json:"location,omitempty"`
	Bytes       int                `json:"bytes"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	Orientation domain.Orientation `json:"orientation,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, req Request, r Rendering) (Output, error)
}

// EncodeDataURL wraps encoded image bytes in a base64 data URL.
func EncodeDataURL(data []byte, format string) string {
	return dataurl.New(data, contentTypeForFormat(format)).String()
}

func newOutput(req Request, r Rendering) Output {
	format := normalizeOutputFormat(r.Format)
	return Output{
		JobID:       req.JobID,
		Kind:        domain.NormalizeKind(req.Kind),
		Format:      format,
		DataURL:     EncodeDataURL(r.Data, format),
		Bytes:       len(r.Data),
		Width:       r.Width,
		Height:      r.Height,
		Orientation: r.Orientation,
	}
}

// DataURLEmitter returns the result inline. It backs the synchronous API.
type DataURLEmitter struct{}

func (DataURLEmitter) Emit(_ context.Context, req Request, r Rendering) (Output, error) {
	return newOutput(req, r), nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, r Rendering) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	out := newOutput(req, r)
	fullPath := filepath.Join(jobDir, resultFilename(out.Format))
	if err := os.WriteFile(fullPath, r.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}
	out.Location = fullPath
	return out, nil
}

func resultFilename(format string) string {
	return "result." + normalizeOutputFormat(format)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
