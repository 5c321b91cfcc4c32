package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// JobDataField is the field name for serialized job data in stream messages.
	JobDataField = "job"

	// EnqueuedAtField is the field name for enqueue timestamp.
	EnqueuedAtField = "enqueued_at"
)

// Job is the payload of a work unit. Process jobs carry ContentID; cluster
// jobs carry UserID and Category. The durable state lives in the job row
// named by JobID, so the payload is only a pointer to it.
type Job struct {
	JobID     string `json:"job_id"`
	ContentID string `json:"content_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Category  string `json:"category,omitempty"`
}

// Message is a job read from a stream, awaiting acknowledgement.
type Message struct {
	ID         string
	Stream     Stream
	Job        Job
	EnqueuedAt time.Time
	// Deliveries is how often the message was handed out, as reported when
	// it was reclaimed from another consumer. Zero for fresh reads.
	Deliveries int64
}

var errMissingJobData = errors.New("missing or invalid job data")

func encodeJob(job Job) (string, error) {
	if job.JobID == "" {
		return "", errors.New("job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job: %w", err)
	}
	return string(data), nil
}

// parseMessage decodes a single stream message.
func parseMessage(msg redis.XMessage, stream Stream) (*Message, error) {
	jobData, ok := msg.Values[JobDataField].(string)
	if !ok {
		return nil, errMissingJobData
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.JobID == "" {
		return nil, errMissingJobData
	}

	out := &Message{ID: msg.ID, Stream: stream, Job: job}
	if enqueuedStr, hasEnqueued := msg.Values[EnqueuedAtField].(string); hasEnqueued {
		if t, parseErr := time.Parse(time.RFC3339Nano, enqueuedStr); parseErr == nil {
			out.EnqueuedAt = t
		}
	}
	return out, nil
}
