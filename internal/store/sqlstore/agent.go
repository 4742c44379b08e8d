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

// lockAgent loads the agent row inside tx, row-locked on PostgreSQL so
// concurrent load adjustments from multiple replicas serialize.
func (s *Store) lockAgent(tx *gorm.DB, id string) (*agentModel, error) {
	q := tx.Where("id = ?", id)
	if s.driver == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row agentModel
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("selecting agent %s: %w", id, err)
	}
	return &row, nil
}

func (s *Store) PutAgent(ctx context.Context, a *domain.Agent) error {
	row, err := toAgentModel(a)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"model", "capabilities", "max_load", "current_load", "status",
			"tasks_completed", "tasks_failed", "avg_processing_time",
			"registered_at", "last_heartbeat", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("selecting agent %s: %w", id, err)
	}
	return row.toDomain()
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var rows []agentModel
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]*domain.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	res := s.db.WithContext(ctx).Model(&agentModel{}).Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("updating status of %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AdjustAgentLoad(ctx context.Context, id string, delta int) (int, error) {
	var newLoad int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockAgent(tx, id)
		if err != nil {
			return err
		}
		load := row.CurrentLoad + delta
		if load < 0 {
			load = 0
		}
		status := row.Status
		// Load crossings flip active <-> overloaded; unresponsive and
		// inactive are owned by the heartbeat checker and deregistration.
		switch {
		case status == string(domain.AgentActive) && load >= row.MaxLoad:
			status = string(domain.AgentOverloaded)
		case status == string(domain.AgentOverloaded) && load < row.MaxLoad:
			status = string(domain.AgentActive)
		}
		err = tx.Model(&agentModel{}).Where("id = ?", id).
			Updates(map[string]any{"current_load": load, "status": status}).Error
		if err != nil {
			return fmt.Errorf("adjusting load of %s: %w", id, err)
		}
		newLoad = load
		return nil
	})
	return newLoad, err
}

func (s *Store) RecordAgentResult(ctx context.Context, id string, success bool, duration time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockAgent(tx, id)
		if err != nil {
			return err
		}
		if success {
			row.TasksCompleted++
		} else {
			row.TasksFailed++
		}
		n := row.TasksCompleted + row.TasksFailed
		ms := float64(duration.Milliseconds())
		row.AvgProcessingTime += (ms - row.AvgProcessingTime) / float64(n)

		err = tx.Model(&agentModel{}).Where("id = ?", id).Updates(map[string]any{
			"tasks_completed":     row.TasksCompleted,
			"tasks_failed":        row.TasksFailed,
			"avg_processing_time": row.AvgProcessingTime,
		}).Error
		if err != nil {
			return fmt.Errorf("recording result for %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) DeregisterAgent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&agentModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":       string(domain.AgentInactive),
			"current_load": 0,
		})
		if res.Error != nil {
			return fmt.Errorf("deregistering %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		err := tx.Where("agent_id = ?", id).Delete(&heartbeatModel{}).Error
		if err != nil {
			return fmt.Errorf("removing heartbeat of %s: %w", id, err)
		}
		return nil
	})
}

// --- heartbeats ---

func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hb := heartbeatModel{AgentID: agentID, SeenAt: at.UTC(), ExpiresAt: at.Add(ttl).UTC()}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"seen_at", "expires_at"}),
		}).Create(&hb).Error
		if err != nil {
			return fmt.Errorf("recording heartbeat for %s: %w", agentID, err)
		}

		row, err := s.lockAgent(tx, agentID)
		if err != nil {
			// A heartbeat can race a deregistration; the TTL record alone
			// is enough.
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		updates := map[string]any{"last_heartbeat": at.UTC()}
		if row.Status == string(domain.AgentUnresponsive) {
			if row.CurrentLoad >= row.MaxLoad {
				updates["status"] = string(domain.AgentOverloaded)
			} else {
				updates["status"] = string(domain.AgentActive)
			}
		}
		err = tx.Model(&agentModel{}).Where("id = ?", agentID).Updates(updates).Error
		if err != nil {
			return fmt.Errorf("refreshing heartbeat of %s: %w", agentID, err)
		}
		return nil
	})
}

func (s *Store) LastHeartbeat(ctx context.Context, agentID string) (time.Time, error) {
	var row heartbeatModel
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, fmt.Errorf("heartbeat %s: %w", agentID, store.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("selecting heartbeat %s: %w", agentID, err)
	}
	return row.SeenAt, nil
}

func (s *Store) ExpiredHeartbeats(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&heartbeatModel{}).
		Where("expires_at <= ?", now.UTC()).Order("agent_id").
		Pluck("agent_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired heartbeats: %w", err)
	}
	return ids, nil
}

// --- transaction log ---

func (s *Store) AppendLog(ctx context.Context, e *domain.TransactionLogEntry) error {
	row, err := toTxLogModel(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchQueue(tx, e.Queue); err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("appending log entry for %s: %w", e.Queue, err)
		}

		// Prune past the cap, oldest first.
		var cutoff txLogModel
		err := tx.Where("queue = ?", e.Queue).Order("seq desc").
			Offset(domain.TxLogCap).First(&cutoff).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("finding log prune cutoff for %s: %w", e.Queue, err)
		}
		err = tx.Where("queue = ? AND seq <= ?", e.Queue, cutoff.Seq).Delete(&txLogModel{}).Error
		if err != nil {
			return fmt.Errorf("pruning log for %s: %w", e.Queue, err)
		}
		return nil
	})
}

func (s *Store) LogEntries(ctx context.Context, queue string, limit int) ([]*domain.TransactionLogEntry, error) {
	q := s.db.WithContext(ctx).Where("queue = ?", queue).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []txLogModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing log entries for %s: %w", queue, err)
	}
	out := make([]*domain.TransactionLogEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
