package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

// tiffWithOrientation builds the smallest TIFF stream carrying an
// orientation tag: header, one IFD entry, no next IFD.
func tiffWithOrientation(order binary.ByteOrder, value uint16) []byte {
	var buf bytes.Buffer
	if order == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	_ = binary.Write(&buf, order, uint16(42))
	_ = binary.Write(&buf, order, uint32(8))
	_ = binary.Write(&buf, order, uint16(1))
	_ = binary.Write(&buf, order, uint16(0x0112))
	_ = binary.Write(&buf, order, uint16(3))
	_ = binary.Write(&buf, order, uint32(1))
	_ = binary.Write(&buf, order, value)
	_ = binary.Write(&buf, order, uint16(0))
	_ = binary.Write(&buf, order, uint32(0))
	return buf.Bytes()
}

func indexedImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, pixelTag(x, y))
		}
	}
	return img
}

func pixelTag(x, y int) color.RGBA {
	return color.RGBA{R: uint8(10 + x*20), G: uint8(10 + y*20), B: 200, A: 255}
}

func TestReadOrientation(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want domain.Orientation
	}{
		{name: "empty", raw: nil, want: domain.OrientationNormal},
		{name: "big endian rotate cw", raw: tiffWithOrientation(binary.BigEndian, 6), want: domain.OrientationRotate90CW},
		{name: "little endian rotate ccw", raw: tiffWithOrientation(binary.LittleEndian, 8), want: domain.OrientationRotate90CCW},
		{name: "mirrored", raw: tiffWithOrientation(binary.BigEndian, 2), want: domain.OrientationFlipHorizontal},
		{name: "zero means normal", raw: tiffWithOrientation(binary.BigEndian, 0), want: domain.OrientationNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadOrientation(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadOrientationRejectsOutOfRange(t *testing.T) {
	_, err := ReadOrientation(tiffWithOrientation(binary.BigEndian, 9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOrientation))
	assert.True(t, IsPermanent(err))
}

func TestPlanOrientationDimensions(t *testing.T) {
	for o := domain.OrientationNormal; o <= domain.OrientationRotate90CCW; o++ {
		plan, err := PlanOrientation(30, 20, o, 0)
		require.NoError(t, err, o.String())
		assert.Equal(t, 1.0, plan.Scale, o.String())
		if o.SwapsDimensions() {
			assert.Equal(t, [2]int{20, 30}, [2]int{plan.Width, plan.Height}, o.String())
		} else {
			assert.Equal(t, [2]int{30, 20}, [2]int{plan.Width, plan.Height}, o.String())
		}
	}
}

func TestPlanOrientationDownscale(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		orientation  domain.Orientation
		wantScale    float64
		wantW, wantH int
	}{
		{name: "both below threshold", w: 1999, h: 1999, orientation: 1, wantScale: 1, wantW: 1999, wantH: 1999},
		{name: "wide", w: 2000, h: 1000, orientation: 1, wantScale: 0.5, wantW: 1000, wantH: 500},
		{name: "tall", w: 800, h: 3000, orientation: 3, wantScale: 0.5, wantW: 400, wantH: 1500},
		{name: "rotated swaps after halving", w: 2000, h: 1000, orientation: 6, wantScale: 0.5, wantW: 500, wantH: 1000},
		{name: "odd side floors", w: 2001, h: 10, orientation: 1, wantScale: 0.5, wantW: 1000, wantH: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanOrientation(tt.w, tt.h, tt.orientation, DefaultLargeImageThreshold)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScale, plan.Scale)
			assert.Equal(t, tt.wantW, plan.Width)
			assert.Equal(t, tt.wantH, plan.Height)
		})
	}
}

func TestPlanOrientationMatchesCanvasTransforms(t *testing.T) {
	const s, w, h = 0.5, 3000.0, 2000.0

	plan, err := PlanOrientation(3000, 2000, domain.OrientationRotate90CW, 0)
	require.NoError(t, err)
	// canvas transform (0, s, -s, 0, s*h, 0)
	assert.Equal(t, [6]float64{0, -s, s * h, s, 0, 0}, [6]float64(plan.Matrix))

	plan, err = PlanOrientation(3000, 2000, domain.OrientationRotate90CCW, 0)
	require.NoError(t, err)
	// canvas transform (0, -s, s, 0, 0, s*w)
	assert.Equal(t, [6]float64{0, s, 0, -s, 0, s * w}, [6]float64(plan.Matrix))

	plan, err = PlanOrientation(3000, 2000, domain.OrientationRotate180, 0)
	require.NoError(t, err)
	assert.Equal(t, [6]float64{-s, 0, s * w, 0, -s, s * h}, [6]float64(plan.Matrix))
}

func TestPlanOrientationRejectsInvalid(t *testing.T) {
	_, err := PlanOrientation(10, 10, domain.Orientation(9), 0)
	assert.True(t, errors.Is(err, ErrUnsupportedOrientation))

	_, err = PlanOrientation(0, 10, domain.OrientationNormal, 0)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
}

func TestApplyOrientationMovesEveryPixel(t *testing.T) {
	const w, h = 3, 2
	src := indexedImage(w, h)

	// Where source pixel (x, y) must land on the upright canvas.
	dest := map[domain.Orientation]func(x, y int) (int, int){
		domain.OrientationNormal:         func(x, y int) (int, int) { return x, y },
		domain.OrientationFlipHorizontal: func(x, y int) (int, int) { return w - 1 - x, y },
		domain.OrientationRotate180:      func(x, y int) (int, int) { return w - 1 - x, h - 1 - y },
		domain.OrientationFlipVertical:   func(x, y int) (int, int) { return x, h - 1 - y },
		domain.OrientationTranspose:      func(x, y int) (int, int) { return y, x },
		domain.OrientationRotate90CW:     func(x, y int) (int, int) { return h - 1 - y, x },
		domain.OrientationTransverse:     func(x, y int) (int, int) { return h - 1 - y, w - 1 - x },
		domain.OrientationRotate90CCW:    func(x, y int) (int, int) { return y, w - 1 - x },
	}

	for orientation, mapping := range dest {
		t.Run(orientation.String(), func(t *testing.T) {
			out, _, err := CorrectOrientation(src, orientation, 0)
			require.NoError(t, err)

			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dx, dy := mapping(x, y)
					assert.Equal(t, pixelTag(x, y), out.RGBAAt(dx, dy), "source (%d,%d) -> (%d,%d)", x, y, dx, dy)
				}
			}
		})
	}
}

func TestApplyOrientationHandlesOffsetBounds(t *testing.T) {
	full := indexedImage(4, 4)
	sub := full.SubImage(image.Rect(1, 1, 3, 3))

	out, _, err := CorrectOrientation(sub, domain.OrientationRotate180, 0)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 2, 2), out.Bounds())
	assert.Equal(t, pixelTag(2, 2), out.RGBAAt(0, 0))
	assert.Equal(t, pixelTag(1, 1), out.RGBAAt(1, 1))
}

func TestOrientationKernelFiltersOnlyWhenScaling(t *testing.T) {
	assert.Equal(t, draw.NearestNeighbor, orientationKernel(1))
	assert.Equal(t, draw.CatmullRom, orientationKernel(0.5))
}

func TestApplyOrientationDownscaleAveragesDetail(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			if (x+y)%2 == 0 {
				src.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				src.SetRGBA(x, y, color.RGBA{A: 255})
			}
		}
	}

	out, plan, err := CorrectOrientation(src, domain.OrientationNormal, 20)
	require.NoError(t, err)
	require.Equal(t, 0.5, plan.Scale)

	mid := out.RGBAAt(10, 10)
	assert.InDelta(t, 128, int(mid.R), 40, "checkerboard filters to grey")
}
