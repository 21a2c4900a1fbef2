package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// MaxCanvasSide bounds each side of a crop canvas.
	MaxCanvasSide = 8192
	// MaxResizedSide and MaxResizedPixels bound the zoomed source a crop
	// pans over.
	MaxResizedSide   = 4 * MaxCanvasSide
	MaxResizedPixels = 64 << 20
)

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Circle pins the clip circle of a crop in canvas coordinates.
type Circle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// CropRequest mirrors the message the cropping UI sends once the user is
// done panning and zooming. Size is the natural size of the source, Resized
// the displayed size after zoom, Origin the pan offset of the viewport and
// Crop the output canvas.
type CropRequest struct {
	URL     string  `json:"url"`
	Size    Size    `json:"size"`
	Resized Size    `json:"resized"`
	Origin  Point   `json:"origin"`
	Crop    Size    `json:"crop"`
	Clip    *Circle `json:"clip,omitempty"`
}

// CanvasSize returns the output dimensions in whole pixels.
func (r CropRequest) CanvasSize() (int, int) {
	return int(math.Round(r.Crop.Width)), int(math.Round(r.Crop.Height))
}

// ClipCircle returns the explicit clip when one was given, otherwise the
// circle inscribed in the crop box.
func (r CropRequest) ClipCircle() Circle {
	if r.Clip != nil {
		return *r.Clip
	}
	w, h := r.CanvasSize()
	return Circle{
		X:      float64(w) / 2,
		Y:      float64(h) / 2,
		Radius: math.Min(float64(w), float64(h)) / 2,
	}
}

func (r CropRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required")
	}
	w, h := r.CanvasSize()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("crop must be positive, got %vx%v", r.Crop.Width, r.Crop.Height)
	}
	if w > MaxCanvasSide || h > MaxCanvasSide {
		return fmt.Errorf("crop exceeds %dpx per side", MaxCanvasSide)
	}
	if r.Size.Width < 0 || r.Size.Height < 0 {
		return errors.New("size must be non-negative")
	}
	if r.Resized.Width < 0 || r.Resized.Height < 0 {
		return errors.New("resized must be non-negative")
	}
	if r.Resized.Width > MaxResizedSide || r.Resized.Height > MaxResizedSide {
		return fmt.Errorf("resized exceeds %dpx per side", MaxResizedSide)
	}
	if r.Resized.Width*r.Resized.Height > MaxResizedPixels {
		return fmt.Errorf("resized exceeds %d pixels", MaxResizedPixels)
	}
	if r.Clip != nil && r.Clip.Radius <= 0 {
		return errors.New("clip.radius must be positive")
	}
	return nil
}

// OrientRequest carries an image data URL and, optionally, the raw EXIF
// block the UI already extracted from it (base64). When EXIF is empty the
// block embedded in the image is used.
type OrientRequest struct {
	Image string `json:"image"`
	EXIF  string `json:"exif,omitempty"`
}

func (r OrientRequest) Validate() error {
	image := strings.TrimSpace(r.Image)
	if image == "" {
		return errors.New("image is required")
	}
	if !strings.HasPrefix(image, "data:") {
		return errors.New("image must be a data URL")
	}
	return nil
}
