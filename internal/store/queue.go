package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/domain"
)

// Mutation is one optimistic change: an optional record write paired with an
// optional job. Commit applies a batch of mutations atomically.
type Mutation struct {
	Collection string
	Record     Keyed
	Job        domain.Payload
}

// Commit writes every record and enqueues every job in a single transaction,
// in slice order. It returns the enqueued jobs in the same order.
func (s *Store) Commit(ctx context.Context, muts ...Mutation) ([]domain.Job, error) {
	now := s.clock.Now()
	var jobs []domain.Job

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range muts {
			if m.Record != nil {
				if err := putRecord(ctx, tx, m.Collection, m.Record, now.UnixNano()); err != nil {
					return err
				}
			}
			if m.Job != nil {
				job, err := s.insertJob(ctx, tx, m.Job, now)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return jobs, nil
}

// PutAndEnqueue writes a record and enqueues a job for it as one logical step.
func (s *Store) PutAndEnqueue(ctx context.Context, collection string, rec Keyed, p domain.Payload) (domain.Job, error) {
	jobs, err := s.Commit(ctx, Mutation{Collection: collection, Record: rec, Job: p})
	if err != nil {
		return domain.Job{}, err
	}
	return jobs[0], nil
}

// Enqueue stamps and persists a job on its own.
func (s *Store) Enqueue(ctx context.Context, p domain.Payload) (domain.Job, error) {
	jobs, err := s.Commit(ctx, Mutation{Job: p})
	if err != nil {
		return domain.Job{}, err
	}
	return jobs[0], nil
}

func (s *Store) insertJob(ctx context.Context, tx *sql.Tx, p domain.Payload, now time.Time) (domain.Job, error) {
	data, err := domain.EncodePayload(p)
	if err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:         s.ids.NewID(),
		Payload:    p,
		EnqueuedAt: now,
	}
	ref := p.Entity()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO pending_orders
		(id, kind, payload, entity_collection, entity_id, tenant_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(p.Kind()),
		string(data),
		ref.Collection,
		ref.ID,
		ref.TenantID,
		now.UnixNano(),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	job.Seq, err = result.LastInsertId()
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue %s: last insert id: %w", p.Kind(), err)
	}
	return job, nil
}

const jobColumns = `seq, id, kind, payload, enqueued_at, retry_count, last_error, next_attempt_at, quarantined`

// DequeueAll returns every queued job, quarantined ones included, ascending by
// enqueue order. Jobs are not removed; call Remove or CompleteJob on success.
//
// A row whose payload can no longer be decoded is quarantined in place and
// left out of the result, so one bad row cannot wedge the queue.
func (s *Store) DequeueAll(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM pending_orders ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}

	jobs := []domain.Job{}
	bad := map[string]error{}
	for rows.Next() {
		job, decodeErr, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if decodeErr != nil {
			bad[job.ID] = decodeErr
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	rows.Close()

	for id, decodeErr := range bad {
		s.logger.Error("quarantining undecodable job", "job_id", id, "error", decodeErr)
		if _, err := s.db.ExecContext(ctx, `
			UPDATE pending_orders SET quarantined = 1, last_error = ? WHERE id = ?
		`, decodeErr.Error(), id); err != nil {
			return nil, fmt.Errorf("quarantine job %s: %w", id, err)
		}
	}
	return jobs, nil
}

// Job returns one queued job by ID.
func (s *Store) Job(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pending_orders WHERE id = ?`, jobID)
	job, decodeErr, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, err
	}
	if decodeErr != nil {
		return domain.Job{}, decodeErr
	}
	return job, nil
}

// Remove deletes a job. Removing a missing job is not an error.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

// CompleteJob removes a successfully applied job and marks its entity synced
// when no other job references it. Payloads implementing domain.Related get
// the same treatment for each related entity. Everything happens in one
// transaction.
func (s *Store) CompleteJob(ctx context.Context, job domain.Job) error {
	refs := []domain.EntityRef{job.Entity()}
	if rel, ok := job.Payload.(domain.Related); ok {
		refs = append(refs, rel.Related()...)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, job.ID); err != nil {
			return fmt.Errorf("remove: %w", err)
		}

		for _, ref := range refs {
			var remaining int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM pending_orders
				WHERE entity_collection = ? AND entity_id = ?
			`, ref.Collection, ref.ID).Scan(&remaining)
			if err != nil {
				return fmt.Errorf("count remaining: %w", err)
			}
			if remaining > 0 {
				continue
			}
			if err := setSynced(ctx, tx, ref.Collection, ref.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// FailJob records a failed attempt: increments retry_count, stores the error,
// schedules the next attempt and optionally quarantines the job.
func (s *Store) FailJob(ctx context.Context, jobID string, cause error, nextAttempt time.Time, quarantine bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    next_attempt_at = ?,
		    quarantined = ?
		WHERE id = ?
	`, msg, nextAttempt.UnixNano(), boolInt(quarantine), jobID)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return requireAffected(result, jobID)
}

// SaveProgress persists an updated payload for a job still in the queue.
func (s *Store) SaveProgress(ctx context.Context, job domain.Job) error {
	data, err := domain.EncodePayload(job.Payload)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE pending_orders SET payload = ? WHERE id = ?`, string(data), job.ID)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", job.ID, err)
	}
	return requireAffected(result, job.ID)
}

// Requeue releases a job from quarantine and resets its retry budget.
func (s *Store) Requeue(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET quarantined = 0, retry_count = 0, next_attempt_at = 0
		WHERE id = ?
	`, jobID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", jobID, err)
	}
	return requireAffected(result, jobID)
}

// Discard drops a job without applying it. The entity's is_synced flag is
// left false: the local record never reached the remote.
func (s *Store) Discard(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("discard %s: %w", jobID, err)
	}
	return requireAffected(result, jobID)
}

// PendingFor counts queued jobs referencing an entity.
func (s *Store) PendingFor(ctx context.Context, ref domain.EntityRef) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_orders
		WHERE entity_collection = ? AND entity_id = ?
	`, ref.Collection, ref.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", ref, err)
	}
	return n, nil
}

// JobStatus is the observable state of one queued job.
type JobStatus struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Kind          domain.JobKind `json:"kind"`
	Entity        string         `json:"entity"`
	TenantID      string         `json:"tenant_id"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RetryCount    int            `json:"retry_count"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitempty"`
	Quarantined   bool           `json:"quarantined"`
}

// QueueStats summarises the queue for observability.
type QueueStats struct {
	Depth       int         `json:"depth"`
	Quarantined int         `json:"quarantined"`
	Failing     int         `json:"failing"`
	Oldest      *time.Time  `json:"oldest,omitempty"`
	Jobs        []JobStatus `json:"jobs"`
}

// Stats reports queue depth and per-job last errors.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, entity_collection, entity_id, tenant_id,
		       enqueued_at, retry_count, last_error, next_attempt_at, quarantined
		FROM pending_orders
		ORDER BY seq ASC
	`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := QueueStats{Jobs: []JobStatus{}}
	for rows.Next() {
		var (
			js             JobStatus
			kind, coll, id string
			enqueued, next int64
			quarantined    int
		)
		if err := rows.Scan(&js.Seq, &js.ID, &kind, &coll, &id, &js.TenantID,
			&enqueued, &js.RetryCount, &js.LastError, &next, &quarantined); err != nil {
			return QueueStats{}, fmt.Errorf("scan stats: %w", err)
		}
		js.Kind = domain.JobKind(kind)
		js.Entity = coll + "/" + id
		js.EnqueuedAt = fromNanos(enqueued)
		js.NextAttemptAt = fromNanos(next)
		js.Quarantined = quarantined != 0

		stats.Depth++
		if js.Quarantined {
			stats.Quarantined++
		}
		if js.LastError != "" {
			stats.Failing++
		}
		if stats.Oldest == nil {
			oldest := js.EnqueuedAt
			stats.Oldest = &oldest
		}
		stats.Jobs = append(stats.Jobs, js)
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row. A payload that fails to decode is reported
// separately from scan errors so callers can quarantine the row.
func scanJob(row scanner) (job domain.Job, decodeErr error, err error) {
	var (
		kind, payload  string
		enqueued, next int64
		quarantined    int
	)
	err = row.Scan(&job.Seq, &job.ID, &kind, &payload, &enqueued, &job.RetryCount, &job.LastError, &next, &quarantined)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, nil, err
		}
		return domain.Job{}, nil, fmt.Errorf("scan job: %w", err)
	}

	job.EnqueuedAt = fromNanos(enqueued)
	job.NextAttemptAt = fromNanos(next)
	job.Quarantined = quarantined != 0

	job.Payload, decodeErr = domain.DecodePayload(domain.JobKind(kind), []byte(payload))
	if decodeErr != nil {
		return job, fmt.Errorf("job %s: %w", job.ID, decodeErr), nil
	}
	return job, nil, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(result sql.Result, jobID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}
