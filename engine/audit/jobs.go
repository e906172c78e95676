package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/pkg/logger"
)

// JobState is the lifecycle of a background report job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is the pollable status of one background report generation.
type Job struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	State      JobState      `json:"state"`
	Results    []BatchResult `json:"results,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// Jobs is the in-process registry of background report jobs.
type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Job)}
}

// Get returns a copy of the job status.
func (j *Jobs) Get(id string) (Job, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, false
	}
	out := *job
	out.Results = append([]BatchResult(nil), job.Results...)
	return out, true
}

func (j *Jobs) put(job *Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.ID] = job
}

func (j *Jobs) finish(id string, results []BatchResult, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return
	}
	job.FinishedAt = time.Now()
	job.Results = results
	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
		return
	}
	job.State = JobCompleted
}

// StartReport launches report generation in the background and returns the
// job id for status polling. The job runs detached from the caller's request
// context; only the caller's logger is carried over.
func (s *Service) StartReport(ctx context.Context, runID string, batches map[string][]Question) string {
	job := &Job{
		ID:        uuid.NewString(),
		RunID:     runID,
		State:     JobRunning,
		StartedAt: time.Now(),
	}
	s.jobs.put(job)

	// The job outlives the request; it must not share the caller's map.
	owned := core.CloneMap(batches)
	bgCtx := logger.ContextWithLogger(context.Background(), logger.FromContext(ctx))
	go func() {
		results, err := s.RunReportBatch(bgCtx, runID, owned)
		s.jobs.finish(job.ID, results, err)
		if err != nil {
			logger.FromContext(bgCtx).Error("Report job failed", "job_id", job.ID, "error", err)
			return
		}
		logger.FromContext(bgCtx).Info("Report job completed",
			"job_id", job.ID,
			"batches", len(results),
		)
	}()
	return job.ID
}
