package domain

import "time"

type UsageLog struct {
	JobID           string
	Kind            string
	PixelsProcessed int64
	OutputBytes     int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
