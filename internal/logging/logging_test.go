package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestDecodeLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := decodeLogLevel(tt.in); got != tt.want {
			t.Errorf("decodeLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestErrorsCarryTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo)

	logger.Error("write failed", "error", WrapError(errors.New("boom"), "pump"))

	var line struct {
		Error struct {
			Msg   string       `json:"msg"`
			Trace []stackFrame `json:"trace"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	if line.Error.Msg == "" {
		t.Error("error message missing")
	}
	if len(line.Error.Trace) == 0 {
		t.Error("stack trace missing")
	}
}

func TestUpdateRequestAttrsKeepsExisting(t *testing.T) {
	ctx := WithRequestAttrs(context.Background(), &RequestAttrs{Method: "GET", Path: "/api/ws", IP: "1.2.3.4"})
	ctx = UpdateRequestAttrs(ctx, "alice", "")
	ctx = UpdateRequestAttrs(ctx, "", "conn-1")

	attrs := GetRequestAttrs(ctx)
	if attrs.Path != "/api/ws" || attrs.IdentityID != "alice" || attrs.ConnectionID != "conn-1" {
		t.Errorf("attrs = %+v", attrs)
	}
	if n := len(RequestFields(ctx)); n != 5 {
		t.Errorf("RequestFields returned %d fields, want 5", n)
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"real ip header", map[string]string{"X-Real-IP": "9.9.9.9"}, "1.1.1.1:80", "9.9.9.9"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "8.8.8.8, 10.0.0.1"}, "1.1.1.1:80", "8.8.8.8"},
		{"remote v4", nil, "1.1.1.1:80", "1.1.1.1"},
		{"remote v6", nil, "[::1]:80", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractClientIP(r); got != tt.want {
				t.Errorf("ExtractClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
