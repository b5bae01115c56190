package bridge

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// Registry holds one adapter per usable discovered tool. It is built once
// from a session's catalog and read-only afterwards; lookups are O(1) and the
// iteration order is the catalog's discovery order.
type Registry struct {
	tools []Tool
	index map[string]int
}

// BuildOption configures registry construction.
type BuildOption func(*buildConfig)

type buildConfig struct {
	filter map[string]bool
	log    zerolog.Logger
}

// WithFilter restricts the registry to the named tools. Excluded tools are
// never adapted.
func WithFilter(names ...string) BuildOption {
	return func(c *buildConfig) {
		if len(names) == 0 {
			return
		}
		c.filter = make(map[string]bool, len(names))
		for _, n := range names {
			c.filter[n] = true
		}
	}
}

// WithLogger sets the structured logger used for skipped tools.
func WithLogger(l zerolog.Logger) BuildOption {
	return func(c *buildConfig) { c.log = l }
}

// Build discovers the catalog once and constructs one adapter per surviving
// descriptor. A schema translation failure is logged and skips that one tool;
// one malformed definition must not block access to the rest.
func Build(ctx context.Context, session Session, opts ...BuildOption) (*Registry, error) {
	cfg := buildConfig{
		log: zerolog.New(os.Stderr).With().Timestamp().Str("component", "bridge.registry").Logger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	descs, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	r := &Registry{index: map[string]int{}}
	for _, d := range descs {
		if cfg.filter != nil && !cfg.filter[d.Name] {
			continue
		}
		tool, err := NewRemoteTool(d, session)
		if err != nil {
			cfg.log.Warn().Err(err).Str("tool", d.Name).Msg("skipping tool with untranslatable schema")
			continue
		}
		// Catalog uniqueness is a session invariant; guard it anyway.
		if _, dup := r.index[d.Name]; dup {
			cfg.log.Warn().Str("tool", d.Name).Msg("skipping duplicate tool name")
			continue
		}
		r.index[d.Name] = len(r.tools)
		r.tools = append(r.tools, tool)
	}
	return r, nil
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.tools) }

// Tools returns the adapters in discovery order. Read-only.
func (r *Registry) Tools() []Tool { return r.tools }

// Resolve looks an adapter up by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.tools[i], true
}

// Invoke resolves and invokes by name. An unknown name becomes a resolution
// failure result so the reasoning loop can correct itself instead of dying.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	tool, ok := r.Resolve(name)
	if !ok {
		return failure(errmodel.Resolution("unknown_tool", "no such tool in the registry", map[string]any{"tool": name}))
	}
	return tool.Invoke(ctx, args)
}
