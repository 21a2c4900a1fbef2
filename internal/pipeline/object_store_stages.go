package pipeline

import (
	"context"
	"errors"
	"path"
	"strings"
)

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreEmitter stores the result under <prefix>/<job>/result.<ext>
// and still returns the data URL so it can travel in the result message.
type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, r Rendering) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(req.JobID) == "" {
		return Output{}, errors.New("job id is required")
	}

	out := newOutput(req, r)
	objectKey := ResultObjectKey(e.OutputPrefix, req.JobID, out.Format)
	if err := e.Storage.WriteObject(ctx, objectKey, r.Data, contentTypeForFormat(out.Format)); err != nil {
		return Output{}, err
	}
	out.Location = objectKey
	return out, nil
}

func ResultObjectKey(prefix, jobID, format string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), resultFilename(format))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
