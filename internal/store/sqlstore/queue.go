package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/store"
)

// touchQueue records the queue name on first sight. Callers run inside a
// transaction.
func touchQueue(tx *gorm.DB, name string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&queueModel{Name: name}).Error
	if err != nil {
		return fmt.Errorf("recording queue %s: %w", name, err)
	}
	return nil
}

// claimScope builds the query for the next claimable pending row. On
// PostgreSQL it adds FOR UPDATE SKIP LOCKED so concurrent replicas claim
// disjoint rows instead of blocking on each other.
func (s *Store) claimScope(tx *gorm.DB, queue string, now time.Time) *gorm.DB {
	q := tx.Where("queue = ? AND not_before <= ?", queue, now.UTC()).Order("seq")
	if s.driver == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return q
}

func (s *Store) Enqueue(ctx context.Context, queue string, t *domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchQueue(tx, queue); err != nil {
			return err
		}
		row := pendingModel{Queue: queue, TaskID: t.ID, Payload: payload}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("enqueueing task %s on %s: %w", t.ID, queue, err)
		}
		return nil
	})
}

func (s *Store) Requeue(ctx context.Context, queue string, t *domain.Task, notBefore time.Time) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchQueue(tx, queue); err != nil {
			return err
		}
		row := pendingModel{Queue: queue, TaskID: t.ID, NotBefore: notBefore.UTC(), Payload: payload}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("requeueing task %s on %s: %w", t.ID, queue, err)
		}
		return nil
	})
}

func (s *Store) ClaimNext(ctx context.Context, queue, agentID, transactionID string, now time.Time) (*domain.Task, error) {
	var claimed *domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row pendingModel
		if err := s.claimScope(tx, queue, now).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("selecting next task on %s: %w", queue, err)
		}

		task, err := decodeTask(row.Payload)
		if err != nil {
			return err
		}
		task.AssignedAgent = agentID
		task.TransactionID = transactionID
		payload, err := encodeTask(task)
		if err != nil {
			return err
		}

		if err := tx.Delete(&pendingModel{}, "seq = ?", row.Seq).Error; err != nil {
			return fmt.Errorf("removing claimed task %s: %w", task.ID, err)
		}
		rec := processingModel{
			Queue:         queue,
			TaskID:        task.ID,
			AgentID:       agentID,
			TransactionID: transactionID,
			StartedAt:     now.UTC(),
			Payload:       payload,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("recording claim of %s: %w", task.ID, err)
		}
		claimed = task
		return nil
	})
	return claimed, err
}

func (s *Store) Depth(ctx context.Context, queue string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pendingModel{}).Where("queue = ?", queue).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting pending on %s: %w", queue, err)
	}
	return int(n), nil
}

func (s *Store) Pending(ctx context.Context, queue string, limit int) ([]*domain.Task, error) {
	q := s.db.WithContext(ctx).Where("queue = ?", queue).Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []pendingModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing pending on %s: %w", queue, err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *Store) MigratePending(ctx context.Context, from, to string, max int) (int, error) {
	var moved int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchQueue(tx, to); err != nil {
			return err
		}
		q := tx.Model(&pendingModel{}).Where("queue = ?", from).Order("seq")
		if max > 0 {
			q = q.Limit(max)
		}
		var seqs []uint64
		if err := q.Pluck("seq", &seqs).Error; err != nil {
			return fmt.Errorf("selecting tasks to migrate from %s: %w", from, err)
		}
		if len(seqs) == 0 {
			return nil
		}
		res := tx.Model(&pendingModel{}).Where("seq IN ?", seqs).Update("queue", to)
		if res.Error != nil {
			return fmt.Errorf("migrating tasks %s -> %s: %w", from, to, res.Error)
		}
		moved = int(res.RowsAffected)
		return nil
	})
	return moved, err
}

func (s *Store) Processing(ctx context.Context, queue string) ([]*domain.ProcessingRecord, error) {
	var rows []processingModel
	err := s.db.WithContext(ctx).Where("queue = ?", queue).Order("started_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing processing on %s: %w", queue, err)
	}
	out := make([]*domain.ProcessingRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ProcessingCount(ctx context.Context, queue string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&processingModel{}).Where("queue = ?", queue).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting processing on %s: %w", queue, err)
	}
	return int(n), nil
}

func (s *Store) StuckProcessing(ctx context.Context, queue string, cutoff time.Time) ([]*domain.ProcessingRecord, error) {
	var rows []processingModel
	err := s.db.WithContext(ctx).
		Where("queue = ? AND started_at < ?", queue, cutoff.UTC()).
		Order("started_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing stuck processing on %s: %w", queue, err)
	}
	out := make([]*domain.ProcessingRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// takeProcessing removes and returns the processing row inside tx.
func (s *Store) takeProcessing(tx *gorm.DB, queue, taskID string) (*processingModel, error) {
	var row processingModel
	q := tx.Where("queue = ? AND task_id = ?", queue, taskID)
	if s.driver == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("processing %s/%s: %w", queue, taskID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("selecting processing %s/%s: %w", queue, taskID, err)
	}
	err := tx.Where("queue = ? AND task_id = ?", queue, taskID).Delete(&processingModel{}).Error
	if err != nil {
		return nil, fmt.Errorf("removing processing %s/%s: %w", queue, taskID, err)
	}
	return &row, nil
}

func (s *Store) FinishProcessing(ctx context.Context, queue, taskID string) (*domain.ProcessingRecord, error) {
	var rec *domain.ProcessingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.takeProcessing(tx, queue, taskID)
		if err != nil {
			return err
		}
		rec, err = row.toDomain()
		return err
	})
	return rec, err
}

func (s *Store) FailProcessing(ctx context.Context, queue, taskID, agentID, taskErr string, at time.Time) (*domain.FailureReport, error) {
	var report *domain.FailureReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.takeProcessing(tx, queue, taskID)
		if err != nil {
			return err
		}
		failure := failureModel{
			ID:         domain.NewID(),
			Queue:      queue,
			AgentID:    agentID,
			Error:      taskErr,
			ReportedAt: at.UTC(),
			Payload:    row.Payload,
		}
		if err := tx.Create(&failure).Error; err != nil {
			return fmt.Errorf("recording failure of %s: %w", taskID, err)
		}
		report, err = failure.toDomain()
		return err
	})
	return report, err
}

func (s *Store) RequeueFromProcessing(ctx context.Context, queue, taskID string, notBefore time.Time) (*domain.Task, error) {
	var requeued *domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.takeProcessing(tx, queue, taskID)
		if err != nil {
			return err
		}
		task, err := decodeTask(row.Payload)
		if err != nil {
			return err
		}
		task.Retries++
		task.AssignedAgent = ""
		task.TransactionID = ""
		payload, err := encodeTask(task)
		if err != nil {
			return err
		}
		pending := pendingModel{Queue: queue, TaskID: task.ID, NotBefore: notBefore.UTC(), Payload: payload}
		if err := tx.Create(&pending).Error; err != nil {
			return fmt.Errorf("requeueing stuck task %s: %w", taskID, err)
		}
		requeued = task
		return nil
	})
	return requeued, err
}

func (s *Store) DeadLetterFromProcessing(ctx context.Context, queue, taskID, reason string, at time.Time) (*domain.DeadLetter, error) {
	var dead *domain.DeadLetter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.takeProcessing(tx, queue, taskID)
		if err != nil {
			return err
		}
		dl := deadLetterModel{
			Queue:          queue,
			TaskID:         taskID,
			Reason:         reason,
			DeadLetteredAt: at.UTC(),
			Payload:        row.Payload,
		}
		if err := tx.Create(&dl).Error; err != nil {
			return fmt.Errorf("dead-lettering %s: %w", taskID, err)
		}
		dead, err = dl.toDomain()
		return err
	})
	return dead, err
}

func (s *Store) PeekFailures(ctx context.Context, limit int) ([]*domain.FailureReport, error) {
	q := s.db.WithContext(ctx).Order("reported_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []failureModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	out := make([]*domain.FailureReport, 0, len(rows))
	for i := range rows {
		report, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, nil
}

func (s *Store) FailureCount(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&failureModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting failures: %w", err)
	}
	return int(n), nil
}

// resolveFailure deletes the report inside tx, failing with ErrNotFound when
// another replica resolved it first.
func resolveFailure(tx *gorm.DB, reportID string) error {
	res := tx.Where("id = ?", reportID).Delete(&failureModel{})
	if res.Error != nil {
		return fmt.Errorf("resolving failure %s: %w", reportID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failure %s: %w", reportID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RequeueFailure(ctx context.Context, reportID, queue string, t *domain.Task, notBefore time.Time) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolveFailure(tx, reportID); err != nil {
			return err
		}
		if err := touchQueue(tx, queue); err != nil {
			return err
		}
		pending := pendingModel{Queue: queue, TaskID: t.ID, NotBefore: notBefore.UTC(), Payload: payload}
		if err := tx.Create(&pending).Error; err != nil {
			return fmt.Errorf("requeueing failed task %s on %s: %w", t.ID, queue, err)
		}
		return nil
	})
}

func (s *Store) DeadLetterFailure(ctx context.Context, reportID string, d *domain.DeadLetter) error {
	payload, err := encodeTask(&d.Task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := resolveFailure(tx, reportID); err != nil {
			return err
		}
		if err := touchQueue(tx, d.Queue); err != nil {
			return err
		}
		dl := deadLetterModel{
			Queue:          d.Queue,
			TaskID:         d.Task.ID,
			Reason:         d.Reason,
			DeadLetteredAt: d.DeadLetteredAt.UTC(),
			Payload:        payload,
		}
		if err := tx.Create(&dl).Error; err != nil {
			return fmt.Errorf("dead-lettering failed task %s: %w", d.Task.ID, err)
		}
		return nil
	})
}

func (s *Store) PushDeadLetter(ctx context.Context, d *domain.DeadLetter) error {
	payload, err := encodeTask(&d.Task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchQueue(tx, d.Queue); err != nil {
			return err
		}
		dl := deadLetterModel{
			Queue:          d.Queue,
			TaskID:         d.Task.ID,
			Reason:         d.Reason,
			DeadLetteredAt: d.DeadLetteredAt.UTC(),
			Payload:        payload,
		}
		if err := tx.Create(&dl).Error; err != nil {
			return fmt.Errorf("dead-lettering %s: %w", d.Task.ID, err)
		}
		return nil
	})
}

func (s *Store) DeadLetters(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	q := s.db.WithContext(ctx).Where("queue = ?", queue).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []deadLetterModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing dead letters on %s: %w", queue, err)
	}
	out := make([]*domain.DeadLetter, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&deadLetterModel{}).Where("queue = ?", queue).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting dead letters on %s: %w", queue, err)
	}
	return int(n), nil
}

func (s *Store) RequeueDeadLetter(ctx context.Context, queue, taskID string) (*domain.Task, error) {
	var requeued *domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row deadLetterModel
		err := tx.Where("queue = ? AND task_id = ?", queue, taskID).Order("seq").First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("dead letter %s/%s: %w", queue, taskID, store.ErrNotFound)
			}
			return fmt.Errorf("selecting dead letter %s/%s: %w", queue, taskID, err)
		}
		if err := tx.Delete(&deadLetterModel{}, "seq = ?", row.Seq).Error; err != nil {
			return fmt.Errorf("removing dead letter %s: %w", taskID, err)
		}

		task, err := decodeTask(row.Payload)
		if err != nil {
			return err
		}
		task.Retries = 0
		task.AssignedAgent = ""
		task.TransactionID = ""
		payload, err := encodeTask(task)
		if err != nil {
			return err
		}
		pending := pendingModel{Queue: queue, TaskID: task.ID, Payload: payload}
		if err := tx.Create(&pending).Error; err != nil {
			return fmt.Errorf("requeueing dead letter %s: %w", taskID, err)
		}
		requeued = task
		return nil
	})
	return requeued, err
}

func (s *Store) PurgeDeadLetters(ctx context.Context, queue string) (int, error) {
	res := s.db.WithContext(ctx).Where("queue = ?", queue).Delete(&deadLetterModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging dead letters on %s: %w", queue, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&queueModel{}).Order("seq").Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}
	return names, nil
}
