package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// DefaultLargeImageThreshold is the side length from which orientation
// output is rendered at half size.
const DefaultLargeImageThreshold = 2000

// OrientationPlan is the canvas and source-to-canvas transform that renders
// a stored image upright.
type OrientationPlan struct {
	Orientation domain.Orientation
	Scale       float64
	Width       int
	Height      int
	Matrix      f64.Aff3
}

// ReadOrientation extracts the orientation tag from raw EXIF data. raw may
// be a TIFF stream, an "Exif\x00\x00" block or a whole JPEG file. Missing
// EXIF or a missing tag yields OrientationNormal.
func ReadOrientation(raw []byte) (domain.Orientation, error) {
	if len(raw) == 0 {
		return domain.OrientationNormal, nil
	}

	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		if errors.Is(err, io.EOF) {
			return domain.OrientationNormal, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidEXIF, err)
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		if exif.IsTagNotPresentError(err) {
			return domain.OrientationNormal, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidEXIF, err)
	}

	value, err := tag.Int(0)
	if err != nil {
		return 0, fmt.Errorf("%w: orientation tag: %v", ErrInvalidEXIF, err)
	}
	// Some cameras write 0 to mean "not rotated".
	if value == 0 {
		return domain.OrientationNormal, nil
	}

	orientation := domain.Orientation(value)
	if !orientation.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedOrientation, value)
	}
	return orientation, nil
}

// orientationFor prefers an explicitly supplied EXIF block. Without one it
// falls back to the block embedded in the source and treats unreadable
// embedded metadata as absent.
func orientationFor(input, explicit []byte) (domain.Orientation, error) {
	if len(explicit) > 0 {
		return ReadOrientation(explicit)
	}

	orientation, err := ReadOrientation(input)
	if errors.Is(err, ErrInvalidEXIF) {
		return domain.OrientationNormal, nil
	}
	return orientation, err
}

// PlanOrientation computes the output canvas and transform for a width x
// height source. Sources with a side of threshold pixels or more are
// rendered at half size.
func PlanOrientation(width, height int, orientation domain.Orientation, threshold int) (OrientationPlan, error) {
	if !orientation.Valid() {
		return OrientationPlan{}, fmt.Errorf("%w: %d", ErrUnsupportedOrientation, int(orientation))
	}
	if width <= 0 || height <= 0 {
		return OrientationPlan{}, fmt.Errorf("%w: empty image %dx%d", ErrDecodeFailed, width, height)
	}
	if threshold <= 0 {
		threshold = DefaultLargeImageThreshold
	}

	scale := 1.0
	if width >= threshold || height >= threshold {
		scale = 0.5
	}

	w, h := float64(width), float64(height)
	canvasW, canvasH := w*scale, h*scale
	if orientation.SwapsDimensions() {
		canvasW, canvasH = canvasH, canvasW
	}

	return OrientationPlan{
		Orientation: orientation,
		Scale:       scale,
		Width:       int(math.Floor(canvasW)),
		Height:      int(math.Floor(canvasH)),
		Matrix:      orientationMatrix(orientation, scale, w, h),
	}, nil
}

// orientationMatrix maps source pixels onto the upright canvas. Rows are
// written in canvas setTransform order (a, b, c, d, e, f), that is
// x' = a*x + c*y + e and y' = b*x + d*y + f.
func orientationMatrix(orientation domain.Orientation, s, w, h float64) f64.Aff3 {
	var a, b, c, d, e, f float64
	switch orientation {
	case domain.OrientationFlipHorizontal:
		a, b, c, d, e, f = -s, 0, 0, s, s*w, 0
	case domain.OrientationRotate180:
		a, b, c, d, e, f = -s, 0, 0, -s, s*w, s*h
	case domain.OrientationFlipVertical:
		a, b, c, d, e, f = s, 0, 0, -s, 0, s*h
	case domain.OrientationTranspose:
		a, b, c, d, e, f = 0, s, s, 0, 0, 0
	case domain.OrientationRotate90CW:
		a, b, c, d, e, f = 0, s, -s, 0, s*h, 0
	case domain.OrientationTransverse:
		a, b, c, d, e, f = 0, -s, -s, 0, s*h, s*w
	case domain.OrientationRotate90CCW:
		a, b, c, d, e, f = 0, -s, s, 0, 0, s*w
	default:
		a, b, c, d, e, f = s, 0, 0, s, 0, 0
	}
	return f64.Aff3{a, c, e, b, d, f}
}

// ApplyOrientation draws src through plan onto a fresh canvas.
func ApplyOrientation(src image.Image, plan OrientationPlan) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, plan.Width, plan.Height))

	m := plan.Matrix
	bounds := src.Bounds()
	if bounds.Min != (image.Point{}) {
		minX, minY := float64(bounds.Min.X), float64(bounds.Min.Y)
		m[2] -= m[0]*minX + m[1]*minY
		m[5] -= m[3]*minX + m[4]*minY
	}

	orientationKernel(plan.Scale).Transform(dst, m, src, bounds, draw.Src, nil)
	return dst
}

// orientationKernel keeps pixels exact for pure rotations and flips and
// filters with CatmullRom when the plan downscales.
func orientationKernel(scale float64) draw.Transformer {
	if scale != 1 {
		return draw.CatmullRom
	}
	return draw.NearestNeighbor
}

// CorrectOrientation renders src upright for the given orientation.
func CorrectOrientation(src image.Image, orientation domain.Orientation, threshold int) (*image.RGBA, OrientationPlan, error) {
	bounds := src.Bounds()
	plan, err := PlanOrientation(bounds.Dx(), bounds.Dy(), orientation, threshold)
	if err != nil {
		return nil, OrientationPlan{}, err
	}
	return ApplyOrientation(src, plan), plan, nil
}
