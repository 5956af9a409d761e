package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("test")
	l.SetOutput(&buf)
	l.SetFormat("text")
	l.SetLevel("WARN")

	l.Debug("d", nil)
	l.Info("i", nil)
	l.Warn("w", nil)
	l.Error("e", nil)

	out := buf.String()
	if strings.Contains(out, "[DEBUG]") || strings.Contains(out, "[INFO]") {
		t.Errorf("levels below WARN leaked through: %q", out)
	}
	if !strings.Contains(out, "[WARN]") || !strings.Contains(out, "[ERROR]") {
		t.Errorf("expected WARN and ERROR lines, got %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New("meshindex")
	l.SetOutput(&buf)
	l.SetFormat("json")
	l.SetLevel("INFO")

	l.Info("agent registered", map[string]interface{}{
		"agent_id": "a1",
		"region":   "us-east",
		// reserved key must not clobber ours
		"service": "evil",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["message"] != "agent registered" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["service"] != "meshindex" {
		t.Errorf("service field overwritten: %v", entry["service"])
	}
	if entry["agent_id"] != "a1" {
		t.Errorf("agent_id = %v", entry["agent_id"])
	}
}

func TestTextFieldOrderIsStable(t *testing.T) {
	fields := map[string]interface{}{"b": 2, "a": 1, "c": 3}
	var first string
	for i := 0; i < 5; i++ {
		var buf bytes.Buffer
		l := New("test")
		l.SetOutput(&buf)
		l.SetFormat("text")
		l.Info("msg", fields)
		// Drop the timestamp so a second boundary cannot skew the diff.
		_, line, _ := strings.Cut(buf.String(), " ")
		if i == 0 {
			first = line
		} else if line != first {
			t.Fatalf("field order unstable: %q vs %q", first, line)
		}
	}
	if !strings.Contains(first, "a=1 b=2 c=3") {
		t.Errorf("expected sorted fields, got %q", first)
	}
}
