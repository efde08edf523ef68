package state

import (
	"context"
	"time"

	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/model"
)

// journalTimeout bounds one store write.
const journalTimeout = 5 * time.Second

// Store writes happen on the journal loop so that the progress loop never
// waits on the database. One FIFO keeps writes for a job in order.

func (m *Machine) saveJob(job *model.Job) {
	if m.journal == nil {
		return
	}
	rec := job.Record()
	m.journal.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := m.store.SaveJob(ctx, rec); err != nil {
			m.logger.Error("journal job failed", "job_id", rec.ID, "error", err)
		}
	})
}

func (m *Machine) persistState(job *model.Job) {
	if m.journal == nil {
		return
	}
	id, st, cause := job.ID, job.State, job.Error
	m.journal.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := m.store.UpdateJobState(ctx, id, st, cause); err != nil {
			m.logger.Error("journal state failed", "job_id", id, "state", st.String(), "error", err)
		}
	})
}

func (m *Machine) journalEvent(rec event.Record) {
	if rec.JobID == "" {
		return
	}
	row := model.EventRecord{
		ID:        rec.ID,
		JobID:     rec.JobID,
		Code:      rec.Code.String(),
		Source:    rec.Source.String(),
		Detail:    rec.Detail,
		CreatedAt: rec.Time,
	}
	m.journal.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := m.store.InsertEvent(ctx, row); err != nil {
			m.logger.Error("journal event failed", "job_id", row.JobID, "code", row.Code, "error", err)
		}
	})
}

// Flush waits until every journal write queued so far has completed.
func (m *Machine) Flush(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	return m.journal.Sync(ctx)
}
