package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the submit command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

var (
	submitPrompt     string
	submitFile       string
	submitType       string
	submitAction     string
	submitPriority   int
	submitCaps       []string
	submitGatewayURL string
	submitAPIKey     string
	submitTimeout    int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the orchestrator",
	Long: `Submit a task to the Kazi HTTP API. The task is scored for complexity,
routed to a worker tier, and queued; the routing decision is printed.

Examples:
  kazi submit -p "add error handling" --file internal/server/handler.go
  kazi submit -p "explain this trace" --type simple_query
  kazi submit -p "refactor the auth flow" --action refactor --priority 8

Exit codes:
  0  accepted
  1  submission failure
  2  rejected (bad request or rate limited)
  3  gateway unavailable`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPrompt, "prompt", "p", "", "task prompt (required)")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "file the task operates on")
	submitCmd.Flags().StringVar(&submitType, "type", "", "task type, e.g. code_generation")
	submitCmd.Flags().StringVar(&submitAction, "action", "", "action hint, e.g. refactor")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "priority 1-10 (0 = router decides)")
	submitCmd.Flags().StringSliceVar(&submitCaps, "capabilities", nil, "required capabilities")
	submitCmd.Flags().StringVar(&submitGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "API key for gateway authentication (or KAZI_API_KEY env)")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 30, "timeout in seconds")

	_ = submitCmd.MarkFlagRequired("prompt")
}

func runSubmit(_ *cobra.Command, _ []string) error {
	if submitPrompt == "" {
		return fmt.Errorf("prompt is required: use -p flag")
	}

	// Resolve API key from flag or env.
	apiKey := goutils.Env("KAZI_API_KEY", submitAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set KAZI_API_KEY)")
		os.Exit(ExitRejected)
	}

	gatewayURL := goutils.Env("KAZI_GATEWAY_URL", submitGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(submitTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"prompt":                submitPrompt,
		"file":                  submitFile,
		"type":                  submitType,
		"action":                submitAction,
		"priority":              submitPriority,
		"required_capabilities": submitCaps,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/tasks", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		var result struct {
			TaskID        string   `json:"task_id"`
			Queue         string   `json:"queue"`
			Model         string   `json:"model"`
			Tier          string   `json:"tier"`
			Score         float64  `json:"score"`
			Priority      int      `json:"priority"`
			OutputTokens  int      `json:"output_tokens"`
			Reasoning     []string `json:"reasoning"`
			CorrelationID string   `json:"correlation_id"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid response: %v\n", err)
			os.Exit(ExitFailure)
		}
		fmt.Printf("task %s accepted\n", result.TaskID)
		fmt.Printf("  queue:    %s\n", result.Queue)
		fmt.Printf("  model:    %s (tier %s, score %.1f)\n", result.Model, result.Tier, result.Score)
		fmt.Printf("  priority: %d\n", result.Priority)
		fmt.Printf("  budget:   %d output tokens\n", result.OutputTokens)
		if len(result.Reasoning) > 0 {
			fmt.Printf("  routing:  %s\n", strings.Join(result.Reasoning, "; "))
		}
		return nil
	case http.StatusBadRequest, http.StatusTooManyRequests:
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", errorMessage(respBody))
		os.Exit(ExitRejected)
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: invalid API key")
		os.Exit(ExitRejected)
	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, errorMessage(respBody))
		os.Exit(ExitFailure)
	}
	return nil
}

// errorMessage extracts the error field from a JSON error body, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
