package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mailbridge/pkg/config"
)

func decodeEntry(t *testing.T, out *bytes.Buffer) LogEntry {
	t.Helper()

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	return entry
}

func TestLoggerJSONEntryShape(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "bridge.mailbox", "dispatcher", "news").Info("Triaged message", "uid", 42, "junk", true)

	entry := decodeEntry(t, &out)
	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Triaged message" {
		t.Fatalf("message = %q, want %q", entry.Message, "Triaged message")
	}
	if entry.Component != "bridge.mailbox" {
		t.Fatalf("component = %q, want %q", entry.Component, "bridge.mailbox")
	}
	if entry.Dispatcher != "news" {
		t.Fatalf("dispatcher = %q, want %q", entry.Dispatcher, "news")
	}
	if got := entry.Fields["uid"]; got != float64(42) {
		t.Fatalf("fields.uid = %v, want 42", got)
	}
	if got := entry.Fields["junk"]; got != true {
		t.Fatalf("fields.junk = %v, want true", got)
	}
}

func TestLoggerErrorsBecomeText(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Error("Send failed", "error", errors.New("connection reset"))

	entry := decodeEntry(t, &out)
	if got := entry.Fields["error"]; got != "connection reset" {
		t.Fatalf("fields.error = %v, want %q", got, "connection reset")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "verbose"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dispatch.log")

	for i := 0; i < 2; i++ {
		log, closeLog, err := New(config.LoggingConfig{Format: "json", File: path})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		log.Info("Cycle finished")
		if err := closeLog(); err != nil {
			t.Fatalf("close log: %v", err)
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if got := strings.Count(string(content), "Cycle finished"); got != 2 {
		t.Fatalf("log lines = %d, want 2", got)
	}
}

func TestLoggerLiftsCycleID(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("cycle_id", "c-1").Debug("Hidden")
	log.With("cycle_id", "c-1").Info("Cycle started")

	entry := decodeEntry(t, &out)
	if entry.CycleID != "c-1" {
		t.Fatalf("cycle_id = %q, want %q", entry.CycleID, "c-1")
	}
	if _, ok := entry.Fields["cycle_id"]; ok {
		t.Fatal("cycle_id should not be repeated in fields")
	}
}

func TestLoggerRedactsCredentials(t *testing.T) {
	const token = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"

	tests := []struct {
		name   string
		format string
	}{
		{name: "json", format: "json"},
		{name: "text", format: "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			log, err := newWithWriter(config.LoggingConfig{Format: tt.format}, &out)
			if err != nil {
				t.Fatalf("newWithWriter error: %v", err)
			}

			log.With("password", "hunter2").Warn(
				"Telegram call failed",
				"error", errors.New("Post \"https://api.telegram.org/bot"+token+"/sendMessage\": timeout"),
				"url", "https://api.telegram.org/bot"+token+"/getUpdates",
				"auth_token", "viber-secret",
				"mailbox", slog.GroupValue(slog.String("password", "p4ss"), slog.String("host", "imap.example.com")),
			)

			got := out.String()
			for _, secret := range []string{token, "hunter2", "viber-secret", "p4ss"} {
				if strings.Contains(got, secret) {
					t.Fatalf("output leaks %q: %s", secret, got)
				}
			}
			if !strings.Contains(got, "imap.example.com") {
				t.Fatalf("output lost non-secret fields: %s", got)
			}
			if !strings.Contains(got, redacted) {
				t.Fatalf("output has no redaction marker: %s", got)
			}
		})
	}
}

func TestRedactTextKeepsOrdinaryNumbers(t *testing.T) {
	const text = "uid 123456:7 moved at 12:30"
	if got := redactText(text); got != text {
		t.Fatalf("redactText(%q) = %q", text, got)
	}
}
