package domain

import "time"

// JobKind distinguishes content processing from partition reclustering.
type JobKind string

const (
	JobKindProcess JobKind = "process"
	JobKindCluster JobKind = "cluster"
)

// JobStatus is the lifecycle of a ProcessingJob.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobRetrying  JobStatus = "RETRYING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further attempts will be made.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Stage names a step of content processing.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageEnrich    Stage = "enrich"
	StageClassify  Stage = "classify"
	StageVectorize Stage = "vectorize"
)

// Stages lists the processing pipeline in execution order.
var Stages = []Stage{StageFetch, StageEnrich, StageClassify, StageVectorize}

// ProcessingJob is the durable record of one unit of background work.
// Process jobs target ContentID; cluster jobs target (UserID, Category).
type ProcessingJob struct {
	ID            string     `db:"id"                json:"id"`
	Kind          JobKind    `db:"job_type"          json:"kind"`
	Status        JobStatus  `db:"status"            json:"status"`
	ContentID     *string    `db:"shared_content_id" json:"content_id,omitempty"`
	UserID        *string    `db:"user_id"           json:"user_id,omitempty"`
	Category      *Category  `db:"content_category"  json:"category,omitempty"`
	Attempts      int        `db:"attempts"          json:"attempts"`
	Stage         *Stage     `db:"stage"             json:"stage,omitempty"`
	LastError     *string    `db:"last_error"        json:"last_error,omitempty"`
	NextAttemptAt *time.Time `db:"next_attempt_at"   json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"        json:"updated_at"`
}
