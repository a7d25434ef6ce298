package core

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"stratplan/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: "local"}
	cfg.Server.DashboardURL = "https://app.stratplan.test"
	cfg.Build.Version = "1.2.3"
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}
