//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// Startup and Shutdown are both idempotent.
var vipsRuntime struct {
	sync.Mutex
	running bool
}

func Startup() error {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if vipsRuntime.running {
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		MaxCacheMem:  64 << 20,
		MaxCacheSize: 50,
	})
	vipsRuntime.running = true
	return nil
}

func Shutdown() {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if vipsRuntime.running {
		vips.Shutdown()
		vipsRuntime.running = false
	}
}

func Backend() string {
	return "libvips"
}

func newTransformer(opts Options) (Transformer, error) {
	return govipsTransformer{opts: opts.withDefaults()}, nil
}
