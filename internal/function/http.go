package function

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dagforge/internal/registry"
)

// HTTPFunctionName is the name jobs reference this capability by.
const HTTPFunctionName = "HTTPRequestFunction"

// HTTPRequestFunction performs a GET or HEAD request and returns the body.
// Only safe methods are accepted, which is what lets the contract declare
// read-only and the scheduler retry freely.
type HTTPRequestFunction struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPRequestFunction creates the function.
func NewHTTPRequestFunction(logger *zap.Logger) *HTTPRequestFunction {
	return &HTTPRequestFunction{
		logger: logger.Named("http-function"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Contract declares the capability contract for this function.
func (f *HTTPRequestFunction) Contract() registry.Contract {
	return registry.Contract{
		Params: []registry.ParamSpec{
			{Name: "url", Kind: registry.KindString, Required: true},
			{Name: "method", Kind: registry.KindString, Required: false, Default: http.MethodGet},
			{Name: "headers", Kind: registry.KindMap, Required: false},
			{Name: "timeout_seconds", Kind: registry.KindInt, Required: false, Default: 30},
		},
		SideEffect: registry.SideEffectReadOnly,
	}
}

// Invoke implements registry.Function.
func (f *HTTPRequestFunction) Invoke(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	method := strings.ToUpper(inv.String("method", http.MethodGet))
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fmt.Errorf("method %s not allowed for a read-only function", method)
	}

	reqCtx := ctx
	if secs := inv.Int("timeout_seconds", 0); secs > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	url := inv.String("url", "")
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := inv.Kwargs["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Add(key, fmt.Sprint(value))
		}
	}

	f.logger.Info("Executing HTTP request",
		zap.String("task_id", inv.TaskID),
		zap.String("method", method),
		zap.String("url", url))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request returned status %d", resp.StatusCode)
	}

	return &registry.Result{Output: body}, nil
}
