package agent

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

const shellTimeout = 120 * time.Second

// secretEnvVars never reach child processes: a shell command must not be
// able to read the credentials the sandbox itself runs with.
var secretEnvVars = []string{"GEMINI_API_KEY", "GEMINI_MODEL"}

// BashTool executes shell commands inside the sandbox.
type BashTool struct {
	workDir string
}

// NewBashTool creates a bash tool rooted at the group working directory.
func NewBashTool(workDir string) *BashTool {
	return &BashTool{workDir: workDir}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute a shell command inside the sandbox. Returns stdout, stderr and the exit code."
}

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, err := requiredStringArg(args, "command")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	cmd.Env = safeEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		runErr = nil
	}
	if runErr != nil {
		return nil, runErr
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

// safeEnv strips the secret variables from an environment snapshot.
func safeEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		blocked := false
		for _, name := range secretEnvVars {
			if strings.HasPrefix(kv, name+"=") {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, kv)
		}
	}
	return out
}
