package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestWithAccountID(t *testing.T) {
	ctx := WithAccountID(context.Background(), "acct-1")

	if got := GetAccountID(ctx); got != "acct-1" {
		t.Errorf("GetAccountID() = %q, want %q", got, "acct-1")
	}
}

func TestWithCycleID(t *testing.T) {
	ctx := WithCycleID(context.Background(), "01J0CYCLE")

	if got := GetCycleID(ctx); got != "01J0CYCLE" {
		t.Errorf("GetCycleID() = %q, want %q", got, "01J0CYCLE")
	}
}

func TestGetters_Empty(t *testing.T) {
	ctx := context.Background()
	if got := GetAccountID(ctx); got != "" {
		t.Errorf("GetAccountID() on empty context = %q, want empty", got)
	}
	if got := GetCycleID(ctx); got != "" {
		t.Errorf("GetCycleID() on empty context = %q, want empty", got)
	}
}

func TestGetCycleID_NilContext(t *testing.T) {
	var ctx context.Context
	if got := GetCycleID(ctx); got != "" {
		t.Errorf("GetCycleID() on nil context = %q, want empty", got)
	}
}

func TestFromContext(t *testing.T) {
	logger := slog.Default()

	t.Run("nil context returns original logger", func(t *testing.T) {
		//nolint:staticcheck // nil context is the case under test
		result := FromContext(nil, logger)
		if result != logger {
			t.Error("FromContext(nil, logger) should return original logger")
		}
	})

	t.Run("context with cycleID adds attribute", func(t *testing.T) {
		ctx := WithCycleID(context.Background(), "cycle-abc")
		result := FromContext(ctx, logger)
		if result == logger {
			t.Error("FromContext with cycleID should return a new logger")
		}
	})

	t.Run("context without cycleID returns original", func(t *testing.T) {
		result := FromContext(context.Background(), logger)
		if result != logger {
			t.Error("FromContext without cycleID should return original logger")
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"  debug  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew_AccountAttribute(t *testing.T) {
	orig := os.Getenv("LOG_FORMAT")
	defer os.Setenv("LOG_FORMAT", orig)
	os.Setenv("LOG_FORMAT", "json")

	var buf bytes.Buffer
	logger := New(Options{AccountID: "acct-7", Output: &buf})
	logger.Info("hello")

	if !strings.Contains(buf.String(), "acct-7") {
		t.Errorf("log output = %q, want account_id attribute", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	logger := SetDefault(Options{Output: &bytes.Buffer{}})
	if logger == nil {
		t.Fatal("SetDefault() returned nil")
	}
	if slog.Default() != logger {
		t.Error("SetDefault() did not set the logger as default")
	}
}

func TestIsTerminal_NonFile(t *testing.T) {
	if isTerminal(&bytes.Buffer{}) {
		t.Error("isTerminal(buffer) = true, want false")
	}
}
