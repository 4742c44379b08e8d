package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// queueModel records every queue name the store has seen, in first-seen
// order. Rows are never deleted: a drained queue still lists.
type queueModel struct {
	Seq  uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"not null;uniqueIndex"`
}

func (queueModel) TableName() string { return "queues" }

// pendingModel is one waiting task. Seq gives FIFO claim order; NotBefore
// delays claimability for backoff retries.
type pendingModel struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	Queue     string    `gorm:"not null;index:idx_pending_claim,priority:1"`
	TaskID    string    `gorm:"not null;index"`
	NotBefore time.Time `gorm:"not null;index:idx_pending_claim,priority:2"`
	Payload   []byte    `gorm:"not null"`
	CreatedAt time.Time
}

func (pendingModel) TableName() string { return "pending_tasks" }

// processingModel is one in-flight task. The (queue, task_id) key makes
// double-claims a constraint violation rather than a silent overwrite.
type processingModel struct {
	Queue         string `gorm:"primaryKey"`
	TaskID        string `gorm:"primaryKey"`
	AgentID       string `gorm:"not null;index"`
	TransactionID string
	StartedAt     time.Time `gorm:"not null;index"`
	Payload       []byte    `gorm:"not null"`
}

func (processingModel) TableName() string { return "processing_records" }

// failureModel is one unresolved failure report awaiting analysis.
type failureModel struct {
	ID         string `gorm:"primaryKey"`
	Queue      string `gorm:"not null;index"`
	AgentID    string
	Error      string    `gorm:"type:text"`
	ReportedAt time.Time `gorm:"not null;index"`
	Payload    []byte    `gorm:"not null"`
}

func (failureModel) TableName() string { return "failure_reports" }

// deadLetterModel is one terminal task record. Seq orders listings
// newest-first.
type deadLetterModel struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement"`
	Queue          string `gorm:"not null;index"`
	TaskID         string `gorm:"not null;index"`
	Reason         string `gorm:"type:text"`
	DeadLetteredAt time.Time
	Payload        []byte `gorm:"not null"`
}

func (deadLetterModel) TableName() string { return "dead_letters" }

// agentModel is one registered worker. Performance counters are flattened
// into columns so result folding is a single row update.
type agentModel struct {
	ID                string `gorm:"primaryKey"`
	Model             string `gorm:"not null"`
	Capabilities      []byte
	MaxLoad           int    `gorm:"not null"`
	CurrentLoad       int    `gorm:"not null;default:0"`
	Status            string `gorm:"not null;index"`
	TasksCompleted    int    `gorm:"not null;default:0"`
	TasksFailed       int    `gorm:"not null;default:0"`
	AvgProcessingTime float64
	RegisteredAt      time.Time
	LastHeartbeat     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (agentModel) TableName() string { return "agents" }

// heartbeatModel is the latest TTL'd heartbeat per agent.
type heartbeatModel struct {
	AgentID   string    `gorm:"primaryKey"`
	SeenAt    time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (heartbeatModel) TableName() string { return "heartbeats" }

// txLogModel is one audit entry in a queue's capped transaction log.
type txLogModel struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	Queue     string `gorm:"not null;index"`
	Event     string `gorm:"not null"`
	Timestamp time.Time
	Data      []byte
}

func (txLogModel) TableName() string { return "transaction_log" }

// --- converters ---

func encodeTask(t *domain.Task) ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	return payload, nil
}

func decodeTask(payload []byte) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &t, nil
}

func (m *processingModel) toDomain() (*domain.ProcessingRecord, error) {
	task, err := decodeTask(m.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.ProcessingRecord{
		Task:          *task,
		Queue:         m.Queue,
		AgentID:       m.AgentID,
		StartedAt:     m.StartedAt,
		TransactionID: m.TransactionID,
	}, nil
}

func (m *failureModel) toDomain() (*domain.FailureReport, error) {
	task, err := decodeTask(m.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.FailureReport{
		ID:         m.ID,
		Task:       *task,
		Queue:      m.Queue,
		AgentID:    m.AgentID,
		Error:      m.Error,
		ReportedAt: m.ReportedAt,
	}, nil
}

func (m *deadLetterModel) toDomain() (*domain.DeadLetter, error) {
	task, err := decodeTask(m.Payload)
	if err != nil {
		return nil, err
	}
	return &domain.DeadLetter{
		Task:           *task,
		Queue:          m.Queue,
		Reason:         m.Reason,
		DeadLetteredAt: m.DeadLetteredAt,
	}, nil
}

func toAgentModel(a *domain.Agent) (*agentModel, error) {
	var caps []byte
	if a.Capabilities != nil {
		var err error
		caps, err = json.Marshal(a.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("encoding capabilities for %s: %w", a.ID, err)
		}
	}
	return &agentModel{
		ID:                a.ID,
		Model:             string(a.Model),
		Capabilities:      caps,
		MaxLoad:           a.MaxLoad,
		CurrentLoad:       a.CurrentLoad,
		Status:            string(a.Status),
		TasksCompleted:    a.Performance.TasksCompleted,
		TasksFailed:       a.Performance.TasksFailed,
		AvgProcessingTime: a.Performance.AvgProcessingTime,
		RegisteredAt:      a.RegisteredAt,
		LastHeartbeat:     a.LastHeartbeat,
	}, nil
}

func (m *agentModel) toDomain() (*domain.Agent, error) {
	var caps []string
	if len(m.Capabilities) > 0 {
		if err := json.Unmarshal(m.Capabilities, &caps); err != nil {
			return nil, fmt.Errorf("decoding capabilities for %s: %w", m.ID, err)
		}
	}
	return &domain.Agent{
		ID:           m.ID,
		Model:        domain.Model(m.Model),
		Capabilities: caps,
		MaxLoad:      m.MaxLoad,
		CurrentLoad:  m.CurrentLoad,
		Status:       domain.AgentStatus(m.Status),
		Performance: domain.AgentPerformance{
			TasksCompleted:    m.TasksCompleted,
			TasksFailed:       m.TasksFailed,
			AvgProcessingTime: m.AvgProcessingTime,
		},
		RegisteredAt:  m.RegisteredAt,
		LastHeartbeat: m.LastHeartbeat,
	}, nil
}

func toTxLogModel(e *domain.TransactionLogEntry) (*txLogModel, error) {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding log data: %w", err)
		}
	}
	return &txLogModel{
		Queue:     e.Queue,
		Event:     string(e.Event),
		Timestamp: e.Timestamp,
		Data:      data,
	}, nil
}

func (m *txLogModel) toDomain() (*domain.TransactionLogEntry, error) {
	var data map[string]string
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding log data: %w", err)
		}
	}
	return &domain.TransactionLogEntry{
		Event:     domain.TxEvent(m.Event),
		Queue:     m.Queue,
		Timestamp: m.Timestamp,
		Data:      data,
	}, nil
}
