package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	KindCrop   = "crop"
	KindOrient = "orient"
)

type CreateJobRequest struct {
	Kind       string         `json:"kind"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Crop       *CropRequest   `json:"crop,omitempty"`
	Orient     *OrientRequest `json:"orient,omitempty"`
}

// JobResult describes the stored output of a finished job.
type JobResult struct {
	Format      string      `json:"format"`
	ObjectKey   string      `json:"object_key"`
	Bytes       int         `json:"bytes"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Orientation Orientation `json:"orientation,omitempty"`
}

type Job struct {
	ID         string
	Kind       string
	Status     string
	WebhookURL string
	Crop       *CropRequest
	Orient     *OrientRequest
	Result     *JobResult
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NormalizeKind lowercases and trims a job kind.
func NormalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func (r CreateJobRequest) Validate() error {
	switch NormalizeKind(r.Kind) {
	case "":
		return errors.New("kind is required")
	case KindCrop:
		if r.Crop == nil {
			return errors.New("crop is required for kind=crop")
		}
		if err := r.Crop.Validate(); err != nil {
			return fmt.Errorf("crop: %w", err)
		}
	case KindOrient:
		if r.Orient == nil {
			return errors.New("orient is required for kind=orient")
		}
		if err := r.Orient.Validate(); err != nil {
			return fmt.Errorf("orient: %w", err)
		}
	default:
		return fmt.Errorf("unsupported kind: %s", r.Kind)
	}

	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" &&
		!strings.HasPrefix(webhook, "http://") && !strings.HasPrefix(webhook, "https://") {
		return errors.New("webhook_url must be an http(s) URL")
	}
	return nil
}
