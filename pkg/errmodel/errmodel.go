// Package errmodel defines the compact error values used across the bridge.
// Every failure is classified by Kind so callers can route it: contain it,
// retry it, or hand it back to the reasoning engine as data.
package errmodel

import (
	"encoding/json"
	"errors"
	"strings"
)

// Kind values for compact errors.
const (
	// KindConnection: the transport cannot be established or re-established.
	KindConnection = "connection"
	// KindProtocol: the remote returned a malformed catalog or response.
	KindProtocol = "protocol"
	// KindSchema: a tool's input schema cannot be translated into a contract.
	KindSchema = "schema"
	// KindValidation: caller-supplied arguments do not satisfy a contract.
	KindValidation = "validation"
	// KindTransport: one call round trip failed; callers may retry.
	KindTransport = "transport"
	// KindTimeout: a call exceeded its deadline; callers may retry.
	KindTimeout = "timeout"
	// KindRemote: the remote tool executed but reported a domain-level failure.
	KindRemote = "remote"
	// KindResolution: the engine named a tool absent from the registry.
	KindResolution = "resolution"
	// KindIterationLimit: an orchestrator run exhausted its turn cap.
	KindIterationLimit = "iteration_limit"
	// KindSystem: anything unclassified.
	KindSystem = "system"
)

// Error is the compact error payload used internally and surfaced to engines.
// It implements the error interface.
type Error struct {
	Kind    string         `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Causes  []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(kind, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Kind: kind, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindSystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.

func Connection(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(KindConnection, code, message, ctx, causes...)
}

func Protocol(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(KindProtocol, code, message, ctx, causes...)
}

func Schema(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(KindSchema, code, message, ctx, causes...)
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(KindValidation, code, message, ctx)
}

func Transport(code, message string, ctx map[string]any, causes ...error) *Error {
	return New(KindTransport, code, message, ctx, causes...)
}

func Timeout(code, message string, ctx map[string]any) *Error {
	return New(KindTimeout, code, message, ctx)
}

func Remote(code, message string, ctx map[string]any) *Error {
	return New(KindRemote, code, message, ctx)
}

func Resolution(code, message string, ctx map[string]any) *Error {
	return New(KindResolution, code, message, ctx)
}

func IterationLimit(code, message string, ctx map[string]any) *Error {
	return New(KindIterationLimit, code, message, ctx)
}

// IsKind checks if err belongs to a specific kind.
func IsKind(err error, kind string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Kind, kind)
}

// Retryable reports whether the error represents a transient round-trip
// failure that the caller may retry.
func Retryable(err error) bool {
	ce := From(err)
	if ce == nil {
		return false
	}
	return ce.Kind == KindTransport || ce.Kind == KindTimeout
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			// Stringify compound values to keep payloads compact.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 256 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
