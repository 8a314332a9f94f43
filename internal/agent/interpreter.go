package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// newInterpreterCmd builds the exec.Cmd for a given script_type, writing
// scriptBody to a temp file and invoking the matching interpreter on it.
// A temp file (rather than piping the body to stdin) lets interpreters
// that need a real script path, such as adb shell's `sh <file`, work the
// same way as the others.
func newInterpreterCmd(ctx context.Context, scriptType, scriptBody string) (*exec.Cmd, error) {
	path, err := writeScriptFile(scriptType, scriptBody)
	if err != nil {
		return nil, fmt.Errorf("writing script file: %w", err)
	}

	switch scriptType {
	case protocol.ScriptPowerShell:
		return exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", path), nil
	case protocol.ScriptCmd:
		return exec.CommandContext(ctx, "cmd.exe", "/C", path), nil
	case protocol.ScriptPython:
		return exec.CommandContext(ctx, pythonBinary(), path), nil
	case protocol.ScriptBash:
		return exec.CommandContext(ctx, "bash", path), nil
	case protocol.ScriptShell:
		return exec.CommandContext(ctx, defaultShell(), path), nil
	case protocol.ScriptADB:
		return newADBCmd(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported script_type %q", scriptType)
	}
}

// newADBCmd runs the script over `adb shell sh`, feeding the script body
// on stdin rather than as an argv token so it survives adb's own shell
// quoting.
func newADBCmd(ctx context.Context, path string) (*exec.Cmd, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "adb", "shell", "sh")
	cmd.Stdin = f
	return cmd, nil
}

func pythonBinary() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python3"
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "/bin/sh"
}

// writeScriptFile drops scriptBody into a uniquely named temp file with
// the execute bit set, returning its path.
func writeScriptFile(scriptType, scriptBody string) (string, error) {
	ext := ".sh"
	switch scriptType {
	case protocol.ScriptPowerShell:
		ext = ".ps1"
	case protocol.ScriptCmd:
		ext = ".bat"
	case protocol.ScriptPython:
		ext = ".py"
	}

	f, err := os.CreateTemp("", "fleetguard-task-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.WriteString(scriptBody); err != nil {
		return "", err
	}
	if err := f.Chmod(0o700); err != nil && runtime.GOOS != "windows" {
		return "", err
	}
	return f.Name(), nil
}
