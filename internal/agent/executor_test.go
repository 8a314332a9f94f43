package agent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestAppendCappedStopsAtLimit(t *testing.T) {
	var dst []byte
	dst = appendCapped(dst, []byte("hello "), 8)
	dst = appendCapped(dst, []byte("world"), 8)

	if string(dst) != "hello wo" {
		t.Fatalf("expected output truncated at the byte cap, got %q", dst)
	}
}

func TestAppendCappedNoOpOnceFull(t *testing.T) {
	dst := []byte("12345678")
	dst = appendCapped(dst, []byte("more"), 8)
	if string(dst) != "12345678" {
		t.Fatalf("expected no further writes once the cap is reached, got %q", dst)
	}
}

func TestSafeUTF8TrimsPartialRune(t *testing.T) {
	full := "héllo" // 'é' is 2 bytes in UTF-8
	truncated := []byte(full)[:2]  // splits 'é' mid-rune

	got := safeUTF8(truncated)
	if got != "h" {
		t.Fatalf("expected safeUTF8 to trim back to the last complete rune, got %q", got)
	}
}

func TestSafeUTF8PassesThroughValidInput(t *testing.T) {
	if got := safeUTF8([]byte("all good")); got != "all good" {
		t.Fatalf("expected valid UTF-8 to pass through unchanged, got %q", got)
	}
}

func TestExecutorRunCapturesStdout(t *testing.T) {
	e := NewExecutor(zerolog.Nop())
	var lines []string
	result := e.Run(context.Background(), "bash", "echo hello\necho world", func(line string, progress int) {
		lines = append(lines, line)
	})

	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr: %s)", result.ExitCode, result.Stderr)
	}
	if result.Stdout != "hello\nworld\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 streamed lines, got %d", len(lines))
	}
	if lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected streamed lines: %v", lines)
	}
}

func TestExecutorRunNonZeroExit(t *testing.T) {
	e := NewExecutor(zerolog.Nop())
	result := e.Run(context.Background(), "bash", "exit 3", nil)
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}
