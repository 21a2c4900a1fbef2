package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelcrop/internal/domain"
)

var (
	ErrDecodeFailed           = errors.New("image decode failed")
	ErrEncodeFailed           = errors.New("image encode failed")
	ErrUnsupportedOrientation = errors.New("unsupported exif orientation")
	ErrInvalidEXIF            = errors.New("invalid exif data")
	ErrUnsupportedSource      = errors.New("unsupported image source")
	ErrInvalidGeometry        = errors.New("invalid crop geometry")
	ErrInvalidOperation       = errors.New("invalid operation")
)

// IsPermanent reports whether retrying err against the same input cannot
// succeed.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrDecodeFailed,
		ErrUnsupportedOrientation,
		ErrInvalidEXIF,
		ErrUnsupportedSource,
		ErrInvalidGeometry,
		ErrInvalidOperation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Request is one crop or orientation call. Exactly the body matching Kind
// must be set.
type Request struct {
	JobID  string
	Kind   string
	Crop   *domain.CropRequest
	Orient *domain.OrientRequest
}

func (r Request) operation() (string, Operation, error) {
	switch domain.NormalizeKind(r.Kind) {
	case domain.KindCrop:
		if r.Crop == nil {
			return "", Operation{}, fmt.Errorf("%w: crop body is missing", ErrInvalidOperation)
		}
		return r.Crop.URL, Operation{Kind: domain.KindCrop, Crop: *r.Crop}, nil
	case domain.KindOrient:
		if r.Orient == nil {
			return "", Operation{}, fmt.Errorf("%w: orient body is missing", ErrInvalidOperation)
		}
		op := Operation{Kind: domain.KindOrient}
		if raw := strings.TrimSpace(r.Orient.EXIF); raw != "" {
			exifBytes, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return "", Operation{}, fmt.Errorf("%w: exif is not base64: %v", ErrInvalidEXIF, err)
			}
			op.EXIF = exifBytes
		}
		return r.Orient.Image, op, nil
	default:
		return "", Operation{}, fmt.Errorf("%w: %q", ErrInvalidOperation, r.Kind)
	}
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, emitter Emitter, opts Options) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}

	transformer, err := newTransformer(opts)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
	}, nil
}

// Process runs fetch, transform and emit for a single request. Calls share
// no state and may run concurrently.
func (p *Processor) Process(ctx context.Context, req Request) (Output, error) {
	sourceURL, op, err := req.operation()
	if err != nil {
		return Output{}, err
	}

	source, err := p.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage kind=%s: %w", op.Kind, err)
	}

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}

	rendering, err := p.transformer.Transform(ctx, source, op)
	if err != nil {
		return Output{}, fmt.Errorf("transform stage kind=%s: %w", op.Kind, err)
	}

	out, err := p.emitter.Emit(ctx, req, rendering)
	if err != nil {
		return Output{}, fmt.Errorf("emit stage kind=%s: %w", op.Kind, err)
	}
	return out, nil
}
