package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// maxDecodePixels rejects sources whose header announces more pixels than a
// crop UI can reasonably produce.
const maxDecodePixels = 100_000_000

type decodeResult struct {
	img    image.Image
	format string
	err    error
}

// decodeImage decodes data on its own goroutine and waits for either the
// result or ctx. The result channel is buffered so an abandoned decode
// finishes without blocking.
func decodeImage(ctx context.Context, data []byte) (image.Image, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxDecodePixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrDecodeFailed, cfg.Width, cfg.Height)
	}

	done := make(chan decodeResult, 1)
	go func() {
		img, format, err := image.Decode(bytes.NewReader(data))
		done <- decodeResult{img: img, format: format, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDecodeFailed, res.err)
		}
		return res.img, res.format, nil
	}
}
