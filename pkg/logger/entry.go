package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogEntry is one line of JSON output. Component, dispatcher and cycle_id
// attributes are lifted out of Fields so log shippers can index them.
type LogEntry struct {
	Level      string         `json:"level"`
	Timestamp  string         `json:"timestamp"`
	Component  string         `json:"component,omitempty"`
	Dispatcher string         `json:"dispatcher,omitempty"`
	CycleID    string         `json:"cycle_id,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	Caller     string         `json:"caller,omitempty"`
}

// entryHandler writes LogEntry lines. Attributes bound with WithAttrs are
// folded into base once, so Handle only copies them.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	mu        *sync.Mutex

	base   LogEntry
	prefix string
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := h.base
	entry.Level = strings.ToLower(record.Level.String())
	entry.Timestamp = at.UTC().Format(time.RFC3339Nano)
	entry.Message = record.Message
	entry.Fields = maps.Clone(h.base.Fields)

	record.Attrs(func(attr slog.Attr) bool {
		entry.add(h.prefix, attr)
		return true
	})
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.base.Fields = maps.Clone(h.base.Fields)
	for _, attr := range attrs {
		next.base.add(h.prefix, attr)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// add stores attr under prefix+key. Top-level component, dispatcher and
// cycle_id strings go to their own entry fields.
func (e *LogEntry) add(prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if prefix == "" && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			e.Component = attr.Value.String()
			return
		case "dispatcher":
			e.Dispatcher = attr.Value.String()
			return
		case "cycle_id":
			e.CycleID = attr.Value.String()
			return
		}
	}

	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[prefix+attr.Key] = plain(attr.Value)
}

// plain converts a slog value to something encoding/json renders readably.
func plain(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any)
		for _, attr := range value.Group() {
			group[attr.Key] = plain(attr.Value.Resolve())
		}
		return group
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
	}

	return value.Any()
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}

	return filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}
