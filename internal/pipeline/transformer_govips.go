//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/fogleman/gg"
)

type govipsTransformer struct {
	opts Options
}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, op Operation) (Rendering, error) {
	select {
	case <-ctx.Done():
		return Rendering{}, ctx.Err()
	default:
	}

	switch domain.NormalizeKind(op.Kind) {
	case domain.KindOrient:
		return t.orient(input, op.EXIF)
	case domain.KindCrop:
		return t.crop(input, op.Crop)
	default:
		return Rendering{}, fmt.Errorf("%w: %q", ErrInvalidOperation, op.Kind)
	}
}

func (t govipsTransformer) orient(input, exifRaw []byte) (Rendering, error) {
	orientation, err := orientationFor(input, exifRaw)
	if err != nil {
		return Rendering{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Rendering{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer img.Close()

	plan, err := PlanOrientation(img.Width(), img.Height(), orientation, t.opts.LargeImageThreshold)
	if err != nil {
		return Rendering{}, err
	}
	if plan.Scale != 1 {
		if err := img.Resize(plan.Scale, vips.KernelLanczos3); err != nil {
			return Rendering{}, fmt.Errorf("scale image: %w", err)
		}
	}
	if err := applyGovipsOrientation(img, orientation); err != nil {
		return Rendering{}, err
	}

	params := vips.NewJpegExportParams()
	params.Quality = t.opts.JPEGQuality
	params.StripMetadata = true
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return Rendering{}, fmt.Errorf("%w: jpeg: %v", ErrEncodeFailed, err)
	}

	return Rendering{
		Data:        data,
		Format:      "jpeg",
		Width:       img.Width(),
		Height:      img.Height(),
		Orientation: orientation,
	}, nil
}

// applyGovipsOrientation expresses each orientation as libvips rotations
// (clockwise) followed by an optional mirror.
func applyGovipsOrientation(img *vips.ImageRef, orientation domain.Orientation) error {
	var (
		angle = vips.Angle0
		flip  *vips.Direction
	)
	horizontal, vertical := vips.DirectionHorizontal, vips.DirectionVertical

	switch orientation {
	case domain.OrientationNormal:
		return nil
	case domain.OrientationFlipHorizontal:
		flip = &horizontal
	case domain.OrientationRotate180:
		angle = vips.Angle180
	case domain.OrientationFlipVertical:
		flip = &vertical
	case domain.OrientationTranspose:
		angle, flip = vips.Angle90, &horizontal
	case domain.OrientationRotate90CW:
		angle = vips.Angle90
	case domain.OrientationTransverse:
		angle, flip = vips.Angle270, &horizontal
	case domain.OrientationRotate90CCW:
		angle = vips.Angle270
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedOrientation, int(orientation))
	}

	if angle != vips.Angle0 {
		if err := img.Rotate(angle); err != nil {
			return fmt.Errorf("rotate image: %w", err)
		}
	}
	if flip != nil {
		if err := img.Flip(*flip); err != nil {
			return fmt.Errorf("flip image: %w", err)
		}
	}
	return nil
}

func (t govipsTransformer) crop(input []byte, req domain.CropRequest) (Rendering, error) {
	w, h := req.CanvasSize()
	if w <= 0 || h <= 0 {
		return Rendering{}, fmt.Errorf("%w: crop %dx%d", ErrInvalidGeometry, w, h)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Rendering{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer img.Close()

	layout, err := layoutCrop(image.Rect(0, 0, img.Width(), img.Height()), req)
	if err != nil {
		return Rendering{}, err
	}
	win, ok := cropWindow{}, false
	if !layout.empty() {
		win, ok = layout.window(req.Origin, w, h)
	}
	if !ok {
		data, err := encodeImage(image.NewNRGBA(image.Rect(0, 0, w, h)), "png", 0)
		if err != nil {
			return Rendering{}, err
		}
		return Rendering{Data: data, Format: "png", Width: w, Height: h}, nil
	}

	if win.src.Dx() != img.Width() || win.src.Dy() != img.Height() {
		if err := img.ExtractArea(win.src.Min.X, win.src.Min.Y, win.src.Dx(), win.src.Dy()); err != nil {
			return Rendering{}, fmt.Errorf("extract source region: %w", err)
		}
	}
	if win.width != win.src.Dx() || win.height != win.src.Dy() {
		hScale := float64(win.width) / float64(win.src.Dx())
		vScale := float64(win.height) / float64(win.src.Dy())
		if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
			return Rendering{}, fmt.Errorf("scale source: %w", err)
		}
	}
	if !img.HasAlpha() {
		if err := img.AddAlpha(); err != nil {
			return Rendering{}, fmt.Errorf("add alpha: %w", err)
		}
	}

	left := win.at.X - int(math.Round(req.Origin.X))
	top := win.at.Y - int(math.Round(req.Origin.Y))
	if err := img.Embed(left, top, w, h, vips.ExtendBlack); err != nil {
		return Rendering{}, fmt.Errorf("place source: %w", err)
	}

	maskPNG, err := encodeImage(circleMask(w, h, req.ClipCircle()), "png", 0)
	if err != nil {
		return Rendering{}, err
	}
	mask, err := vips.NewImageFromBuffer(maskPNG)
	if err != nil {
		return Rendering{}, fmt.Errorf("load clip mask: %w", err)
	}
	defer mask.Close()

	if err := img.Composite(mask, vips.BlendModeDestIn, 0, 0); err != nil {
		return Rendering{}, fmt.Errorf("apply clip mask: %w", err)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return Rendering{}, fmt.Errorf("%w: png: %v", ErrEncodeFailed, err)
	}
	return Rendering{Data: data, Format: "png", Width: img.Width(), Height: img.Height()}, nil
}

// circleMask is an opaque disc on a transparent canvas. DEST_IN keeps the
// destination only where the mask is opaque.
func circleMask(w, h int, circle domain.Circle) image.Image {
	dc := gg.NewContext(w, h)
	dc.DrawCircle(circle.X, circle.Y, circle.Radius)
	dc.SetRGBA(1, 1, 1, 1)
	dc.Fill()
	return dc.Image()
}
