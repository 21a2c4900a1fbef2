package domain

import "strconv"

// Orientation is the EXIF/TIFF orientation tag (0x0112). It names the
// transform a viewer has to apply for the stored pixels to look upright.
type Orientation int

const (
	OrientationNormal         Orientation = 1
	OrientationFlipHorizontal Orientation = 2
	OrientationRotate180      Orientation = 3
	OrientationFlipVertical   Orientation = 4
	OrientationTranspose      Orientation = 5
	OrientationRotate90CW     Orientation = 6
	OrientationTransverse     Orientation = 7
	OrientationRotate90CCW    Orientation = 8
)

func (o Orientation) Valid() bool {
	return o >= OrientationNormal && o <= OrientationRotate90CCW
}

// SwapsDimensions reports whether upright output has width and height
// exchanged relative to the stored pixels.
func (o Orientation) SwapsDimensions() bool {
	return o >= OrientationTranspose && o <= OrientationRotate90CCW
}

func (o Orientation) String() string {
	switch o {
	case OrientationNormal:
		return "normal"
	case OrientationFlipHorizontal:
		return "flip_horizontal"
	case OrientationRotate180:
		return "rotate_180"
	case OrientationFlipVertical:
		return "flip_vertical"
	case OrientationTranspose:
		return "transpose"
	case OrientationRotate90CW:
		return "rotate_90_cw"
	case OrientationTransverse:
		return "transverse"
	case OrientationRotate90CCW:
		return "rotate_90_ccw"
	default:
		return "orientation(" + strconv.Itoa(int(o)) + ")"
	}
}
