package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"svlink/pkg/companion"
	"svlink/pkg/logger"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stdout.String(), "svlink client") {
		t.Fatalf("usage missing client command:\n%s", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"serve"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestClientRejectsBadFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"client", "--config", filepath.Join(t.TempDir(), "none.toml"), "--format", "csv"}
	if code := run(args, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d (%s)", code, stderr.String())
	}
}

func TestClientRecordsPosesFromCompanion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := companion.NewServer("127.0.0.1:0", companion.NewOrbit(1, time.Second, time.Now()))
	go func() { _ = srv.Run(ctx) }()
	addr := srv.Addr()
	if addr == "" {
		t.Fatalf("companion failed to listen")
	}

	dir := t.TempDir()
	recordPath := filepath.Join(dir, "poses.msgpack")
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"client",
		"--config", filepath.Join(dir, "none.toml"),
		"--addr", addr,
		"--record", recordPath,
		"--format", "msgpack",
		"--tick-hz", "100",
		"--look-ahead", "5ms",
		"--duration", "400ms",
		"--log-level", "warn",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("client exit code %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "exchanges=") {
		t.Fatalf("missing summary: %s", stdout.String())
	}

	f, err := os.Open(recordPath)
	if err != nil {
		t.Fatalf("open record: %v", err)
	}
	defer f.Close()
	records, err := logger.ReadMsgpackRecords(f)
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("no poses recorded")
	}
	if records[0].Session == "" {
		t.Fatalf("record missing session id")
	}
	for i := 1; i < len(records); i++ {
		if records[i].Seq <= records[i-1].Seq {
			t.Fatalf("sequence not increasing at %d: %d after %d", i, records[i].Seq, records[i-1].Seq)
		}
	}
	if srv.Stats().Requests == 0 {
		t.Fatalf("companion saw no requests")
	}
}

func TestClientWithoutServerKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"client",
		"--config", filepath.Join(dir, "none.toml"),
		"--addr", "127.0.0.1:1",
		"--duration", "150ms",
		"--log-level", "error",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("client exit code %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "exchanges=0") {
		t.Fatalf("unexpected summary: %s", stdout.String())
	}
}

func TestCompanionCommandStopsAfterDuration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"companion",
		"--config", filepath.Join(t.TempDir(), "none.toml"),
		"--listen", "127.0.0.1:0",
		"--duration", "50ms",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("companion exit code %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "serving poses on 127.0.0.1:") {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestConfigCommandWritesFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "svlink.toml")
	var stdout, stderr bytes.Buffer
	code := run([]string{"config", "--config", filepath.Join(dir, "none.toml"), "--out", out}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("config exit code %d: %s", code, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	if !strings.Contains(string(data), "tick_hz = 60") {
		t.Fatalf("written config missing render section:\n%s", data)
	}

	stdout.Reset()
	if code := run([]string{"config", "--config", out}, &stdout, &stderr); code != 0 {
		t.Fatalf("show config exit code %d", code)
	}
	if !strings.Contains(stdout.String(), "127.0.0.1:11000") {
		t.Fatalf("unexpected config summary:\n%s", stdout.String())
	}
}
