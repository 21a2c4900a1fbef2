package pipeline

import (
	"context"

	"github.com/dunamismax/pixelcrop/internal/domain"
)

// Operation is one transform request against already fetched source bytes.
type Operation struct {
	Kind string
	Crop domain.CropRequest
	// EXIF is the raw EXIF block supplied with an orientation request. When
	// nil the block embedded in the source is used.
	EXIF []byte
}

// Rendering is an encoded transform result.
type Rendering struct {
	Data        []byte
	Format      string
	Width       int
	Height      int
	Orientation domain.Orientation
}

type Transformer interface {
	Transform(ctx context.Context, input []byte, op Operation) (Rendering, error)
}

type Options struct {
	LargeImageThreshold int
	JPEGQuality         int
}

func (o Options) withDefaults() Options {
	if o.LargeImageThreshold <= 0 {
		o.LargeImageThreshold = DefaultLargeImageThreshold
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 92
	}
	return o
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png":
		return format
	default:
		return "png"
	}
}

func contentTypeForFormat(format string) string {
	if normalizeOutputFormat(format) == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}
