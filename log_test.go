package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelsAndNames(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, LevelWarn)

	log.Infof("hidden")
	log.Named("poller").Warnf("slow %d", 3)
	log.Named("poller").Named("http").Errorf("boom")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "[WARN ] poller: slow 3") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] poller.http: boom") {
		t.Fatalf("missing nested name: %q", out)
	}
}

func TestLoggerNilSafe(t *testing.T) {
	var log *Logger
	log.Infof("nothing happens")
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("WARNING") != LevelWarn || ParseLogLevel("bogus") != LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}
