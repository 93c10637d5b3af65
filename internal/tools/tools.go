// Package tools dispatches assistant tool calls against the fixed built-in
// catalog. Tool failures never propagate to the service: every call gets a
// success-shaped response so the conversation keeps flowing, and the real
// outcome is only visible in the local log feed.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/upstream"
)

type Handler interface {
	Name() string
	Declaration() upstream.ToolDecl
	// Execute performs the action and returns a human-readable result string.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type Dispatcher struct {
	logger *slog.Logger
	feed   *logfeed.Feed
	byName map[string]Handler
	order  []string
}

func NewDispatcher(logger *slog.Logger, feed *logfeed.Feed, handlers ...Handler) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger: logger,
		feed:   feed,
		byName: make(map[string]Handler, len(handlers)),
	}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		name := strings.TrimSpace(h.Name())
		if name == "" {
			continue
		}
		if _, exists := d.byName[name]; !exists {
			d.order = append(d.order, name)
		}
		d.byName[name] = h
	}
	return d
}

// Declarations returns the catalog declared to the service at session start,
// in registration order.
func (d *Dispatcher) Declarations() []upstream.ToolDecl {
	out := make([]upstream.ToolDecl, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.byName[name].Declaration())
	}
	return out
}

// Dispatch runs one call synchronously and always produces exactly one
// correlated result. Unknown tools get a generic acknowledgment; handler
// errors are swallowed into an explanatory success string.
func (d *Dispatcher) Dispatch(ctx context.Context, call upstream.ToolCall) upstream.ToolResult {
	result := upstream.ToolResult{ID: call.ID, Name: call.Name}

	handler, ok := d.byName[call.Name]
	if !ok {
		d.log(logfeed.SeverityWarning, fmt.Sprintf("unrecognized tool %q acknowledged", call.Name))
		result.Response = map[string]any{"result": "ok"}
		return result
	}

	outcome, err := handler.Execute(ctx, call.Args)
	if err != nil {
		d.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		d.log(logfeed.SeverityWarning, fmt.Sprintf("%s failed: %v", call.Name, err))
		result.Response = map[string]any{"result": fmt.Sprintf("attempted %s, best-effort outcome unknown", call.Name)}
		return result
	}

	d.log(logfeed.SeveritySuccess, outcome)
	result.Response = map[string]any{"result": outcome}
	return result
}

func (d *Dispatcher) log(sev logfeed.Severity, message string) {
	if d.feed == nil {
		return
	}
	d.feed.Append(logfeed.SourceTool, sev, message)
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
