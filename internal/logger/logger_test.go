package logger

import (
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	key := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		input   string
		leaked  string
		present string
	}{
		{
			name:    "private key assignment",
			input:   "SPHERON_PRIVATE_KEY=supersecret",
			leaked:  "supersecret",
			present: "PRIVATE_KEY=[REDACTED]",
		},
		{
			name:    "json token field",
			input:   `{"token": "abc123", "name": "webui"}`,
			leaked:  "abc123",
			present: `"name": "webui"`,
		},
		{
			name:    "bare hex key",
			input:   "signing with 0x" + key,
			leaked:  key,
			present: "signing with [REDACTED]",
		},
		{
			name:    "plain text untouched",
			input:   "deployment created",
			present: "deployment created",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.input)
			if tt.leaked != "" && strings.Contains(got, tt.leaked) {
				t.Errorf("Redact(%q) = %q, secret still present", tt.input, got)
			}
			if !strings.Contains(got, tt.present) {
				t.Errorf("Redact(%q) = %q, want it to contain %q", tt.input, got, tt.present)
			}
		})
	}
}

func TestWithModule(t *testing.T) {
	entry := WithModule("handlers")
	if entry.Data["module"] != "handlers" {
		t.Errorf("module field = %v, want handlers", entry.Data["module"])
	}
	if Get() != entry.Logger {
		t.Error("expected module entry to share the global logger")
	}
}

func TestInitializeDefaults(t *testing.T) {
	l := Initialize()

	if !l.ReportCaller {
		t.Error("expected caller reporting to be enabled")
	}
	if l.Out != os.Stdout {
		t.Error("expected logs to go to stdout")
	}
	if Initialize() != l {
		t.Error("expected Initialize to return the same logger on repeat calls")
	}
	if os.Getenv("LOG_FORMAT") == "" {
		if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
			t.Errorf("Formatter = %T, want JSON by default", l.Formatter)
		}
	}
}
