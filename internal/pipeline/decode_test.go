package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(12, 7, green)))

	img, format, err := decodeImage(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())
}

func TestDecodeImageReportsFailure(t *testing.T) {
	_, _, err := decodeImage(context.Background(), []byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
}

func TestDecodeImageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(64, 64, red)))
	truncated := buf.Bytes()[:buf.Len()/2]

	_, _, err := decodeImage(context.Background(), truncated)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
}

func TestDecodeImageHonoursCancellation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(4, 4, red)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := decodeImage(ctx, buf.Bytes())
	assert.True(t, errors.Is(err, context.Canceled))
}
