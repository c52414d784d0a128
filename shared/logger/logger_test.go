// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "pipeline",
			instanceID:     "instance-123",
			expectedComp:   "pipeline",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "validator",
			instanceID:     "",
			expectedComp:   "validator",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				t.Setenv("INSTANCE_ID", "")
			}

			l := New(tt.component)
			if l.Component != tt.expectedComp {
				t.Errorf("Component = %q, want %q", l.Component, tt.expectedComp)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %q, want %q", l.InstanceID, tt.expectedInstID)
			}
		})
	}
}

// captureOutput redirects the log package output during fn and returns it
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	orig := log.Writer()
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(flags)
	}()
	fn()
	return buf.String()
}

func TestLogEmitsJSON(t *testing.T) {
	l := New("classifier")

	out := captureOutput(func() {
		l.Info("user-7", "q-42", "classified query", map[string]interface{}{
			"category": "factual",
		})
	})

	line := strings.TrimSpace(out)
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (line=%q)", err, line)
	}
	if entry.Level != INFO {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Component != "classifier" {
		t.Errorf("Component = %q, want classifier", entry.Component)
	}
	if entry.UserID != "user-7" || entry.QueryID != "q-42" {
		t.Errorf("correlation ids = (%q, %q), want (user-7, q-42)", entry.UserID, entry.QueryID)
	}
	if entry.Fields["category"] != "factual" {
		t.Errorf("Fields[category] = %v, want factual", entry.Fields["category"])
	}
}

func TestErrorWithErr(t *testing.T) {
	l := New("invoker")

	out := captureOutput(func() {
		l.ErrorWithErr("user-1", "q-1", "provider call failed", os.ErrDeadlineExceeded, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Level != ERROR {
		t.Errorf("Level = %q, want ERROR", entry.Level)
	}
	if entry.Fields["error"] == "" {
		t.Error("expected error field to be populated")
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := New("pipeline")

	out := captureOutput(func() {
		l.InfoWithDuration("user-1", "q-1", "stage completed", 125.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 125.5 {
		t.Errorf("duration_ms = %v, want 125.5", entry.Fields["duration_ms"])
	}
}
