package queue

import "github.com/jonesrussell/curator/internal/domain"

// StreamFor returns the stream a job kind is delivered on. Content
// processing is high priority; partition reclustering is low priority.
func StreamFor(kind domain.JobKind) Stream {
	if kind == domain.JobKindCluster {
		return StreamCluster
	}
	return StreamProcess
}

// JobFor builds the message payload pointing at a job row.
func JobFor(job *domain.ProcessingJob) (Stream, Job) {
	payload := Job{JobID: job.ID}
	if job.ContentID != nil {
		payload.ContentID = *job.ContentID
	}
	if job.UserID != nil {
		payload.UserID = *job.UserID
	}
	if job.Category != nil {
		payload.Category = string(*job.Category)
	}
	return StreamFor(job.Kind), payload
}
