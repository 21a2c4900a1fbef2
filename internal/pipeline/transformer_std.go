package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/dunamismax/pixelcrop/internal/domain"
)

type imagingTransformer struct {
	opts Options
}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, op Operation) (Rendering, error) {
	select {
	case <-ctx.Done():
		return Rendering{}, ctx.Err()
	default:
	}

	switch domain.NormalizeKind(op.Kind) {
	case domain.KindOrient:
		return t.orient(ctx, input, op.EXIF)
	case domain.KindCrop:
		return t.crop(ctx, input, op.Crop)
	default:
		return Rendering{}, fmt.Errorf("%w: %q", ErrInvalidOperation, op.Kind)
	}
}

func (t imagingTransformer) orient(ctx context.Context, input, exifRaw []byte) (Rendering, error) {
	orientation, err := orientationFor(input, exifRaw)
	if err != nil {
		return Rendering{}, err
	}

	src, _, err := decodeImage(ctx, input)
	if err != nil {
		return Rendering{}, err
	}

	out, plan, err := CorrectOrientation(src, orientation, t.opts.LargeImageThreshold)
	if err != nil {
		return Rendering{}, err
	}

	data, err := encodeImage(out, "jpeg", t.opts.JPEGQuality)
	if err != nil {
		return Rendering{}, err
	}
	return Rendering{
		Data:        data,
		Format:      "jpeg",
		Width:       plan.Width,
		Height:      plan.Height,
		Orientation: orientation,
	}, nil
}

func (t imagingTransformer) crop(ctx context.Context, input []byte, req domain.CropRequest) (Rendering, error) {
	src, _, err := decodeImage(ctx, input)
	if err != nil {
		return Rendering{}, err
	}

	out, err := CircularCrop(src, req)
	if err != nil {
		return Rendering{}, err
	}

	data, err := encodeImage(out, "png", 0)
	if err != nil {
		return Rendering{}, err
	}
	bounds := out.Bounds()
	return Rendering{
		Data:   data,
		Format: "png",
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = 92
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncodeFailed, err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncodeFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported output format %s", ErrEncodeFailed, format)
	}

	return buf.Bytes(), nil
}
