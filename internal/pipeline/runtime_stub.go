//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the transformer compiled into this binary.
func Backend() string {
	return "imaging"
}

func newTransformer(opts Options) (Transformer, error) {
	return imagingTransformer{opts: opts.withDefaults()}, nil
}
