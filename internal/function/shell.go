package function

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"dagforge/internal/registry"
)

// ShellFunctionName is the name jobs reference this capability by.
const ShellFunctionName = "ShellCommandFunction"

// ShellCommandFunction runs a command with arguments and a timeout. An
// arbitrary command cannot be assumed re-runnable, so the contract declares
// non-idempotent: a failed attempt is terminal, never retried.
type ShellCommandFunction struct {
	logger *zap.Logger
}

// NewShellCommandFunction creates the function.
func NewShellCommandFunction(logger *zap.Logger) *ShellCommandFunction {
	return &ShellCommandFunction{logger: logger.Named("shell-function")}
}

// Contract declares the capability contract for this function.
func (f *ShellCommandFunction) Contract() registry.Contract {
	return registry.Contract{
		Params: []registry.ParamSpec{
			{Name: "command", Kind: registry.KindString, Required: true},
			{Name: "args", Kind: registry.KindList, Required: false},
			{Name: "timeout_seconds", Kind: registry.KindInt, Required: false, Default: 60},
		},
		SideEffect: registry.SideEffectNonIdempotent,
	}
}

// Invoke implements registry.Function.
func (f *ShellCommandFunction) Invoke(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	command := inv.String("command", "")

	var args []string
	if raw, ok := inv.Kwargs["args"].([]any); ok {
		for _, item := range raw {
			args = append(args, fmt.Sprint(item))
		}
	}

	timeout := 60 * time.Second
	if secs := inv.Int("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f.logger.Info("Executing shell command",
		zap.String("task_id", inv.TaskID),
		zap.String("command", command),
		zap.Strings("args", args))

	cmd := exec.CommandContext(cmdCtx, command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, fmt.Errorf("command failed: %s", strings.TrimSpace(string(output)))
	}

	return &registry.Result{Output: output}, nil
}
