package function

import (
	"fmt"

	"go.uber.org/zap"

	"dagforge/internal/registry"
)

// RegisterBuiltins registers the built-in function set. Called once at
// process startup, before any job is compiled.
func RegisterBuiltins(reg *registry.Registry, sqlRoot string, logger *zap.Logger) error {
	postgres := NewPostgresSQLFunction(sqlRoot, logger)
	shell := NewShellCommandFunction(logger)
	httpFn := NewHTTPRequestFunction(logger)

	for _, binding := range []struct {
		name     string
		contract registry.Contract
		impl     registry.Function
	}{
		{PostgresFunctionName, postgres.Contract(), postgres},
		{ShellFunctionName, shell.Contract(), shell},
		{HTTPFunctionName, httpFn.Contract(), httpFn},
	} {
		if err := reg.Register(binding.name, binding.contract, binding.impl); err != nil {
			return fmt.Errorf("failed to register %s: %w", binding.name, err)
		}
	}
	return nil
}
