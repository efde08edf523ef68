package store

import (
	"context"

	"github.com/seantiz/anvil/internal/model"
)

// JobStats holds aggregate counts over the job journal.
type JobStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	Restarts     int            `json:"restarts"`
	Events       int            `json:"events"`
}

// Store defines the persistence operations for the job journal.
type Store interface {
	SaveJob(ctx context.Context, j *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.JobRecord, int, error)
	UpdateJobState(ctx context.Context, id string, state model.JobState, cause string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertEvent(ctx context.Context, e model.EventRecord) error
	ListEvents(ctx context.Context, jobID string) ([]model.EventRecord, error)
	Close() error
}
