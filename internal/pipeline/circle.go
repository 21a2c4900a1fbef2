package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/fogleman/gg"
)

// cropLayout is the part of the source a crop draws and the size it is
// scaled to before panning.
type cropLayout struct {
	region  image.Rectangle
	scaledW int
	scaledH int
}

func (l cropLayout) empty() bool {
	return l.region.Empty() || l.scaledW <= 0 || l.scaledH <= 0
}

// layoutCrop resolves req.Size and req.Resized against the decoded bounds.
// The region starts at the source origin and is clipped to the image; the
// scale factor resized/size applies to whatever remains.
func layoutCrop(bounds image.Rectangle, req domain.CropRequest) (cropLayout, error) {
	size := req.Size
	if size.Width <= 0 || size.Height <= 0 {
		size = domain.Size{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}
	}
	resized := req.Resized
	if resized.IsZero() {
		resized = size
	}

	region := image.Rect(
		bounds.Min.X,
		bounds.Min.Y,
		bounds.Min.X+int(math.Round(size.Width)),
		bounds.Min.Y+int(math.Round(size.Height)),
	).Intersect(bounds)
	if region.Empty() {
		return cropLayout{}, nil
	}

	sw := float64(region.Dx()) * resized.Width / size.Width
	sh := float64(region.Dy()) * resized.Height / size.Height
	if sw > domain.MaxResizedSide || sh > domain.MaxResizedSide || sw*sh > domain.MaxResizedPixels {
		return cropLayout{}, fmt.Errorf("%w: scaled source %.0fx%.0f", ErrInvalidGeometry, sw, sh)
	}
	return cropLayout{
		region:  region,
		scaledW: int(math.Round(sw)),
		scaledH: int(math.Round(sh)),
	}, nil
}

// windowPad keeps the resampling taps next to the visible edge.
const windowPad = 3

// cropWindow is the part of a scaled layout that lands on the canvas: src is
// scaled to width x height and placed at at in scaled coordinates.
type cropWindow struct {
	src    image.Rectangle
	width  int
	height int
	at     image.Point
}

// window picks the source pixels visible through a w x h canvas panned to
// origin, so only those are resampled.
func (l cropLayout) window(origin domain.Point, w, h int) (cropWindow, bool) {
	fx := float64(l.scaledW) / float64(l.region.Dx())
	fy := float64(l.scaledH) / float64(l.region.Dy())

	x0, x1 := math.Max(origin.X, 0), math.Min(origin.X+float64(w), float64(l.scaledW))
	y0, y1 := math.Max(origin.Y, 0), math.Min(origin.Y+float64(h), float64(l.scaledH))
	if x0 >= x1 || y0 >= y1 {
		return cropWindow{}, false
	}

	sx0, sx1 := visibleSpan(x0, x1, fx, l.region.Dx())
	sy0, sy1 := visibleSpan(y0, y1, fy, l.region.Dy())
	left, right := int(math.Round(float64(sx0)*fx)), int(math.Round(float64(sx1)*fx))
	top, bottom := int(math.Round(float64(sy0)*fy)), int(math.Round(float64(sy1)*fy))

	return cropWindow{
		src:    image.Rect(sx0, sy0, sx1, sy1).Add(l.region.Min),
		width:  max(right-left, 1),
		height: max(bottom-top, 1),
		at:     image.Pt(left, top),
	}, true
}

func visibleSpan(lo, hi, scale float64, limit int) (int, int) {
	return max(int(math.Floor(lo/scale))-windowPad, 0), min(int(math.Ceil(hi/scale))+windowPad, limit)
}

// CircularCrop renders the circular avatar described by req from src. The
// canvas is req.Crop in size, the source is scaled from Size to Resized and
// shifted by -Origin, and everything outside the clip circle stays
// transparent.
func CircularCrop(src image.Image, req domain.CropRequest) (image.Image, error) {
	w, h := req.CanvasSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: crop %dx%d", ErrInvalidGeometry, w, h)
	}

	dc := gg.NewContext(w, h)

	layout, err := layoutCrop(src.Bounds(), req)
	if err != nil {
		return nil, err
	}
	if layout.empty() {
		return dc.Image(), nil
	}
	win, ok := layout.window(req.Origin, w, h)
	if !ok {
		return dc.Image(), nil
	}

	var layer image.Image = src
	if win.src != src.Bounds() {
		layer = imaging.Crop(src, win.src)
	}
	if win.width != win.src.Dx() || win.height != win.src.Dy() {
		layer = imaging.Resize(layer, win.width, win.height, imaging.Lanczos)
	}

	circle := req.ClipCircle()
	dc.Push()
	dc.DrawCircle(circle.X, circle.Y, circle.Radius)
	dc.Clip()
	dc.Translate(-req.Origin.X, -req.Origin.Y)
	dc.DrawImage(layer, win.at.X, win.at.Y)
	dc.Pop()

	return dc.Image(), nil
}
