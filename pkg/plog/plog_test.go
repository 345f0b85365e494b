package plog

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestPlogLevels(t *testing.T) {
	// --- Setup: Redirect plog output to capture log output ---
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	t.Run("Logs all levels when level is Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelDebug)

		Debug("debug message", "key", "val1")
		Info("info message", "key", "val2")
		Warn("warn message")

		output := logBuf.String()
		if !strings.Contains(output, "level=DEBUG msg=\"debug message\" key=val1") {
			t.Errorf("expected debug message to be logged, got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, got: %s", output)
		}
		if !strings.Contains(output, "level=WARN msg=\"warn message\"") {
			t.Errorf("expected warn message to be logged, got: %s", output)
		}
	})

	t.Run("Suppresses lower levels when level is Warn", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelWarn)

		Debug("debug message")
		Notice("notice message")
		Info("info message")

		output := logBuf.String()
		if strings.Contains(output, "level=DEBUG") || strings.Contains(output, "level=NOTICE") || strings.Contains(output, "level=INFO") {
			t.Errorf("expected no output below warn, got: %s", output)
		}
	})

	t.Run("Prints Notice by name", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelNotice)

		Debug("debug message")
		Notice("notice message", "key", "val1")

		output := logBuf.String()
		if strings.Contains(output, "debug message") {
			t.Errorf("expected debug to be suppressed at notice level, got: %s", output)
		}
		if !strings.Contains(output, "level=NOTICE msg=\"notice message\" key=val1") {
			t.Errorf("expected notice message to be logged, got: %s", output)
		}
	})
}

func TestLogCategory(t *testing.T) {
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	SetLevel(LevelInfo)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	Log(Attempt, "creating snapshot", "volume", "C")
	Log(Failure, "snapshot failed")

	output := logBuf.String()
	if !strings.Contains(output, "level=INFO msg=\"creating snapshot\" category=attempt volume=C") {
		t.Errorf("expected attempt record, got: %s", output)
	}
	if !strings.Contains(output, "level=ERROR msg=\"snapshot failed\" category=failure") {
		t.Errorf("expected failure record at error level, got: %s", output)
	}
}

func TestLevelFromString(t *testing.T) {
	testCases := map[string]string{
		"debug":   "DEBUG",
		"NOTICE":  "DEBUG+2",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range testCases {
		if got := LevelFromString(in).String(); got != want {
			t.Errorf("LevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestQuietMode(t *testing.T) {
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	SetLevel(LevelInfo)
	t.Cleanup(func() {
		SetQuiet(false)
		SetOutput(os.Stderr)
	})

	SetQuiet(true)
	Info("hidden")
	Warn("shown")

	output := logBuf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("expected info to be suppressed in quiet mode, got: %s", output)
	}
	if !strings.Contains(output, "shown") {
		t.Errorf("expected warn to pass quiet mode, got: %s", output)
	}
}
