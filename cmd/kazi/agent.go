package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	agentpkg "github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/secure"
)

var (
	agentID           string
	agentGatewayURL   string
	agentToken        string
	agentModel        string
	agentCapabilities []string
	agentMaxLoad      int
	agentTaskTimeout  int
	agentCommand      string
	agentArgs         []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start a worker agent connected to a gateway",
	Long: `Start a worker agent. The agent connects to the orchestrator's WebSocket
gateway, registers its model and capabilities, and executes assigned tasks
by running the configured command with the prompt on stdin.

Examples:
  kazi agent --model claude-3-haiku --command ./run-haiku.sh
  kazi agent --model gpt-4o --capabilities code.generation,code.review \
    --max-load 4 --command python3 --arg worker.py`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentID, "agent-id", "", "agent ID (default: hostname-pid)")
	agentCmd.Flags().StringVar(&agentGatewayURL, "gateway-url", "ws://localhost:8080/ws/agents", "WebSocket gateway URL (or KAZI_GATEWAY_WS_URL env)")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "gateway agent token (or KAZI_AGENT_TOKEN env)")
	agentCmd.Flags().StringVar(&agentModel, "model", "", "worker model this agent runs (required)")
	agentCmd.Flags().StringSliceVar(&agentCapabilities, "capabilities", nil, "declared capabilities, e.g. code.generation")
	agentCmd.Flags().IntVar(&agentMaxLoad, "max-load", 1, "max concurrent tasks")
	agentCmd.Flags().IntVar(&agentTaskTimeout, "task-timeout", 0, "per-task timeout in seconds")
	agentCmd.Flags().StringVar(&agentCommand, "command", "", "command executed per task (required)")
	agentCmd.Flags().StringArrayVar(&agentArgs, "arg", nil, "argument passed to the task command (repeatable)")

	_ = agentCmd.MarkFlagRequired("model")
	_ = agentCmd.MarkFlagRequired("command")
}

// runAgent starts a worker agent.
func runAgent(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	model := domain.Model(strings.TrimSpace(agentModel))
	if !model.Valid() {
		return fmt.Errorf("unknown model %q", agentModel)
	}

	if agentID == "" {
		hostname, _ := os.Hostname()
		agentID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	// Sealer shares the orchestrator's messaging secret. Empty = plaintext.
	sealer, err := secure.New(os.Getenv("KAZI_MESSAGING_SECRET"), logger, nil)
	if err != nil {
		return fmt.Errorf("messaging sealer: %w", err)
	}

	worker, err := agentpkg.NewWorker(agentpkg.Config{
		ID:           agentID,
		GatewayURL:   goutils.Env("KAZI_GATEWAY_WS_URL", agentGatewayURL),
		Token:        goutils.Env("KAZI_AGENT_TOKEN", agentToken),
		Model:        model,
		Capabilities: agentCapabilities,
		MaxLoad:      agentMaxLoad,
		Version:      version,
		TaskTimeout:  time.Duration(agentTaskTimeout) * time.Second,
	}, &agentpkg.CommandRunner{Command: agentCommand, Args: agentArgs}, sealer, logger)
	if err != nil {
		return err
	}

	logger.Info("agent starting",
		slog.String("agent_id", agentID),
		slog.String("model", string(model)),
		slog.Int("max_load", agentMaxLoad),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.Run(ctx)
}
