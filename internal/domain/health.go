package domain

import "time"

// HealthSnapshot is the periodic health report published on the
// orchestrator health channel and served by the operator API.
type HealthSnapshot struct {
	Orchestrator OrchestratorHealth     `json:"orchestrator"`
	Queues       map[string]QueueHealth `json:"queues"`
	Agents       map[string]AgentHealth `json:"agents"`
}

// OrchestratorHealth describes the orchestrator process itself.
type OrchestratorHealth struct {
	ID     string        `json:"id"`
	Status string        `json:"status"` // "running" or "paused"
	Uptime time.Duration `json:"uptime"`
}

// QueueHealth describes one queue at snapshot time.
type QueueHealth struct {
	Depth      int  `json:"depth"`
	Processing int  `json:"processing"`
	Failed     int  `json:"failed"` // dead-lettered count for this queue
	Healthy    bool `json:"healthy"`
}

// AgentHealth describes one registered agent at snapshot time.
type AgentHealth struct {
	Model       Model            `json:"model"`
	Status      AgentStatus      `json:"status"`
	Load        int              `json:"load"`
	Performance AgentPerformance `json:"performance"`
	Healthy     bool             `json:"healthy"`
}
