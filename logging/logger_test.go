package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rxops/pharmsync/syncerrors"
)

func TestNewLoggerTo_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "info", Format: "json", Environment: "prod"})

	logger.Info("queue drained", "collection", "sales")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "queue drained" {
		t.Errorf("unexpected msg: %v", record["msg"])
	}
	if record["collection"] != "sales" {
		t.Errorf("unexpected collection attr: %v", record["collection"])
	}
}

func TestNewLoggerTo_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn", Format: "json", Environment: "prod"})

	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn level: %s", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn record missing")
	}
}

func TestLogError_SyncErrorAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "error", Format: "json", Environment: "prod"})

	err := syncerrors.NewValidationError(syncerrors.OpReplay, fmt.Errorf("insufficient stock"))
	err.HTTPStatus = 422
	logger.LogError(context.Background(), err, "replay rejected")

	out := buf.String()
	for _, want := range []string{"sync_error", "VALIDATION", "insufficient stock", "422", "caller"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "info", Format: "json", Environment: "prod"})

	logger.WithComponent(Component("engine")).Info("pass started")
	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Errorf("component attr missing: %s", buf.String())
	}
}
