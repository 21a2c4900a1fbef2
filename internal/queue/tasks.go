package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	TypeCropCircle         = "image:crop_circle"
	TypeCorrectOrientation = "image:correct_orientation"
)

type JobPayload struct {
	JobID       string                `json:"job_id"`
	Kind        string                `json:"kind"`
	WebhookURL  string                `json:"webhook_url,omitempty"`
	Crop        *domain.CropRequest   `json:"crop,omitempty"`
	Orient      *domain.OrientRequest `json:"orient,omitempty"`
	RequestedAt time.Time             `json:"requested_at"`
}

// TaskTypeFor maps a job kind to its task type.
func TaskTypeFor(kind string) (string, error) {
	switch domain.NormalizeKind(kind) {
	case domain.KindCrop:
		return TypeCropCircle, nil
	case domain.KindOrient:
		return TypeCorrectOrientation, nil
	default:
		return "", fmt.Errorf("no task type for kind %q", kind)
	}
}

func NewJobTask(payload JobPayload) (*asynq.Task, error) {
	taskType, err := TaskTypeFor(payload.Kind)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return asynq.NewTask(taskType, body), nil
}

func ParseJobPayload(task *asynq.Task) (JobPayload, error) {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return JobPayload{}, fmt.Errorf("unmarshal job payload: %w", err)
	}

	want, err := TaskTypeFor(payload.Kind)
	if err != nil {
		return JobPayload{}, err
	}
	if want != task.Type() {
		return JobPayload{}, fmt.Errorf("task type %s does not match kind %q", task.Type(), payload.Kind)
	}
	return payload, nil
}
