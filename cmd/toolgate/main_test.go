package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/security"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"explicit", withCode(ExitUsage, errors.New("bad flag")), ExitUsage},
		{"silent", withCode(ExitNoPerm, nil), ExitNoPerm},
		{"wrapped explicit", fmt.Errorf("outer: %w", withCode(ExitIOErr, errors.New("disk"))), ExitIOErr},
		{"invalid config", fmt.Errorf("loading: %w", &config.InvalidValueError{Key: "max_depth"}), ExitConfig},
		{"missing file", fmt.Errorf("reading: %w", os.ErrNotExist), ExitNoInput},
		{"policy denial", security.NewError(security.CodePathBlocked, "blocked"), ExitNoPerm},
		{"violation", security.NewError(security.CodeSecurityViolation, "repeated"), ExitNoPerm},
		{"bad input", security.NewError(security.CodeDangerousPathSequence, "nul"), ExitDataErr},
		{"missing path", security.NewError(security.CodeInvalidPath, "gone"), ExitNoInput},
		{"unknown tool", security.NewError(security.CodeToolNotFound, "nope"), ExitUnavailable},
		{"rate limited", security.NewError(security.CodeRateLimitExceeded, "slow down"), ExitUnavailable},
		{"timeout", security.NewError(security.CodeExecutionTimeout, "late"), ExitUnavailable},
		{"tool failed", security.NewError(security.CodeExecutionFailed, "io"), ExitIOErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSilentExitErrorHasNoMessage(t *testing.T) {
	if msg := withCode(ExitNoPerm, nil).Error(); msg != "" {
		t.Errorf("Error() = %q, want empty", msg)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"path=src", "recursive=true", "max_depth=2", "name=a=b", `tags=["x"]`})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"path":      "src",
		"recursive": true,
		"max_depth": float64(2),
		"name":      "a=b",
		"tags":      []any{"x"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseParams() = %#v, want %#v", got, want)
	}

	for _, bad := range []string{"path", "=src"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) should fail", bad)
		}
	}
}

func TestInvokeBody(t *testing.T) {
	t.Cleanup(func() { invokeFile = "" })

	body, err := invokeBody(nil, []string{"list_directory", "path=."})
	if err != nil {
		t.Fatal(err)
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if req["tool_id"] != "list_directory" {
		t.Errorf("tool_id = %v", req["tool_id"])
	}
	if params, _ := req["parameters"].(map[string]any); params["path"] != "." {
		t.Errorf("parameters = %v", req["parameters"])
	}

	if _, err := invokeBody(nil, nil); err == nil {
		t.Error("no tool and no file should fail")
	}

	invokeFile = "-"
	doc := `{"tool_id":"list_directory"}`
	body, err = invokeBody(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != doc {
		t.Errorf("stdin body = %s", body)
	}
	if _, err := invokeBody(strings.NewReader(doc), []string{"list_directory"}); err == nil {
		t.Error("--file with arguments should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelWarn,
	}
	for in, want := range tests {
		if got := parseLevel(in, slog.LevelWarn); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestVerbosityOverridesConfig(t *testing.T) {
	t.Cleanup(func() { verbosity, quiet = 0, false })

	verbosity = 2
	if !newLogger(config.LoggingConfig{Level: "error"}, slog.LevelWarn).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("-vv should enable debug over logging.level")
	}
	verbosity = 3
	if !newLogger(config.LoggingConfig{}, slog.LevelWarn).Enabled(context.Background(), LevelTrace) {
		t.Error("-vvv should enable trace")
	}
	verbosity, quiet = 3, true
	if newLogger(config.LoggingConfig{}, slog.LevelWarn).Enabled(context.Background(), slog.LevelWarn) {
		t.Error("--quiet should win")
	}
}
