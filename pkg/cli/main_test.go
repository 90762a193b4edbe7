package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/shelfwise/shelfwise/pkg/config"
	"github.com/shelfwise/shelfwise/pkg/jobs"
	"github.com/shelfwise/shelfwise/pkg/observability/logger"
)

func TestNewServiceCommand_AddsWorkerCommand(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{
		Name:        "testsvc",
		Description: "test service",
		ConfigureWorker: func(cfg *config.Config, log logger.Logger, deps Dependencies, worker jobs.Worker) error {
			return nil
		},
	})

	workerCmd, _, err := cmd.Find([]string{"worker"})
	if err != nil {
		t.Fatalf("expected worker command, got error: %v", err)
	}
	if workerCmd == nil || workerCmd.Name() != "worker" {
		t.Fatalf("expected worker command, got %#v", workerCmd)
	}
}

func TestNewServiceCommand_OmitsWorkerWithoutCallback(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{
		Name:        "testsvc",
		Description: "test service",
	})

	for _, sub := range cmd.Commands() {
		if sub.Name() == "worker" {
			t.Fatal("expected no worker command without a configure callback")
		}
	}
}

func TestNewServiceCommand_HasVersionAndConfigCommands(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{Name: "testsvc"})

	for _, path := range [][]string{{"version"}, {"config", "validate"}, {"config", "show"}} {
		found, _, err := cmd.Find(path)
		if err != nil {
			t.Fatalf("expected command %v, got error: %v", path, err)
		}
		if found == nil || found.Name() != path[len(path)-1] {
			t.Fatalf("expected command %v, got %#v", path, found)
		}
	}
}

func TestNewServiceCommand_AddsDLQCommands(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{Name: "testsvc"})

	for _, path := range [][]string{{"dlq", "list"}, {"dlq", "replay"}} {
		found, _, err := cmd.Find(path)
		if err != nil {
			t.Fatalf("expected command %v, got error: %v", path, err)
		}
		if found == nil || found.Name() != path[1] {
			t.Fatalf("expected command %v, got %#v", path, found)
		}
	}

	replayCmd, _, err := cmd.Find([]string{"dlq", "replay"})
	if err != nil {
		t.Fatalf("expected replay command, got error: %v", err)
	}
	if err := replayCmd.Args(replayCmd, nil); err == nil {
		t.Fatal("expected replay to require at least one job id")
	}
}

func TestResolveDLQQueue(t *testing.T) {
	if got := resolveDLQQueue(" exports ", "imports"); got != "exports" {
		t.Fatalf("resolveDLQQueue() = %q, want exports", got)
	}
	if got := resolveDLQQueue("", "imports"); got != "imports" {
		t.Fatalf("resolveDLQQueue() = %q, want imports", got)
	}
}

func TestResolveWorkerQueues(t *testing.T) {
	tests := []struct {
		name          string
		flagQueues    []string
		defaultQueue  string
		expectedQueue []string
	}{
		{
			name:          "uses flags",
			flagQueues:    []string{"imports", "exports"},
			defaultQueue:  "imports",
			expectedQueue: []string{"imports", "exports"},
		},
		{
			name:          "falls back to config default",
			flagQueues:    []string{"", " "},
			defaultQueue:  "imports",
			expectedQueue: []string{"imports"},
		},
		{
			name:          "empty when nothing configured",
			flagQueues:    nil,
			defaultQueue:  " ",
			expectedQueue: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveWorkerQueues(tt.flagQueues, tt.defaultQueue)
			if len(got) != len(tt.expectedQueue) {
				t.Fatalf("expected %d queues, got %d", len(tt.expectedQueue), len(got))
			}
			for idx := range got {
				if got[idx] != tt.expectedQueue[idx] {
					t.Fatalf("queue[%d] = %q, want %q", idx, got[idx], tt.expectedQueue[idx])
				}
			}
		})
	}
}

func TestFormatSettings_RedactsSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Coordination.URL = "redis://:password@localhost:6379/0"
	cfg.ObjectStorage.AccessKeyID = "AKIAEXAMPLE"
	cfg.ObjectStorage.SecretAccessKey = "very-secret"
	cfg.Jobs.LeaseTTL = 30 * time.Second

	formatted, err := formatSettings(cfg, false)
	if err != nil {
		t.Fatalf("format settings: %v", err)
	}
	if strings.Contains(formatted, "very-secret") {
		t.Fatal("expected secret access key to be redacted")
	}
	if strings.Contains(formatted, "AKIAEXAMPLE") {
		t.Fatal("expected access key id to be redacted")
	}
	if !strings.Contains(formatted, redactedValue) {
		t.Fatal("expected redaction marker in output")
	}

	shown, err := formatSettings(cfg, true)
	if err != nil {
		t.Fatalf("format settings: %v", err)
	}
	if !strings.Contains(shown, "very-secret") {
		t.Fatal("expected secrets to be visible with show-secrets")
	}
}
