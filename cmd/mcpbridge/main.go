// Command mcpbridge connects to an MCP server, exposes its tools to a
// reasoning engine, and runs one bounded agent query from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
	_ "github.com/wilhg/mcpbridge/pkg/adapters/engine/gemini"
	_ "github.com/wilhg/mcpbridge/pkg/adapters/engine/openai"
	"github.com/wilhg/mcpbridge/pkg/bridge"
	"github.com/wilhg/mcpbridge/pkg/journal"
	"github.com/wilhg/mcpbridge/pkg/mcp"
	otto "github.com/wilhg/mcpbridge/pkg/otel"
	"github.com/wilhg/mcpbridge/pkg/runtime"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mcpbridge", flag.ContinueOnError)

	var (
		showVersion bool
		endpoint    string
		token       string
		authStyle   string
		toolFilter  string
		provider    string
		model       string
		maxTurns    int
		journalDSN  string
		budget      int
	)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&endpoint, "endpoint", getEnv("MCP_SERVER_URL", "http://localhost:3000/mcp"), "MCP server endpoint URL")
	fs.StringVar(&token, "token", getEnv("MCP_AUTH_TOKEN", ""), "bearer token for the MCP server")
	fs.StringVar(&authStyle, "auth-style", getEnv("MCP_AUTH_STYLE", "header"), "bearer token placement: header or query")
	fs.StringVar(&toolFilter, "tools", getEnv("MCPBRIDGE_TOOLS", ""), "comma-separated tool allow-list (empty = all)")
	fs.StringVar(&provider, "provider", getEnv("MCPBRIDGE_PROVIDER", "openai"), "engine provider: openai or gemini")
	fs.StringVar(&model, "model", getEnv("MCPBRIDGE_MODEL", ""), "engine model override")
	fs.IntVar(&maxTurns, "max-turns", 8, "maximum engine turns per run")
	fs.StringVar(&journalDSN, "journal", getEnv("DATABASE_URL", ""), "journal DSN (sqlite:... or postgres://...), empty disables")
	fs.IntVar(&budget, "transcript-tokens", 0, "transcript token budget (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Printf("mcpbridge %s (commit=%s, date=%s)\n", version, commit, date)
		return 0
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: mcpbridge [flags] <query>")
		fs.Usage()
		return 2
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx := context.Background()

	shutdown, err := otto.Init(ctx, otto.Config{ServiceName: "mcpbridge", ServiceVersion: version})
	if err != nil {
		log.Error().Err(err).Msg("otel init failed")
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	answer, err := execute(ctx, log, runConfig{
		endpoint:   endpoint,
		token:      token,
		authStyle:  authStyle,
		toolFilter: toolFilter,
		provider:   provider,
		model:      model,
		maxTurns:   maxTurns,
		journalDSN: journalDSN,
		budget:     budget,
		query:      query,
	})
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return 1
	}
	fmt.Println(answer)
	return 0
}

type runConfig struct {
	endpoint   string
	token      string
	authStyle  string
	toolFilter string
	provider   string
	model      string
	maxTurns   int
	journalDSN string
	budget     int
	query      string
}

func execute(ctx context.Context, log zerolog.Logger, cfg runConfig) (string, error) {
	style := mcp.AuthHeader
	switch cfg.authStyle {
	case "header", "":
	case "query":
		style = mcp.AuthQuery
	default:
		return "", fmt.Errorf("unknown auth style %q", cfg.authStyle)
	}

	sessOpts := []mcp.Option{mcp.WithLogger(log), mcp.WithAuthStyle(style)}
	if cfg.token != "" {
		sessOpts = append(sessOpts, mcp.WithToken(cfg.token))
	}
	sess := mcp.NewSession(cfg.endpoint, sessOpts...)
	if err := sess.Connect(ctx); err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	buildOpts := []bridge.BuildOption{bridge.WithLogger(log)}
	if cfg.toolFilter != "" {
		buildOpts = append(buildOpts, bridge.WithFilter(strings.Split(cfg.toolFilter, ",")...))
	}
	reg, err := bridge.Build(ctx, sess, buildOpts...)
	if err != nil {
		return "", err
	}
	if reg.Len() == 0 {
		return "", fmt.Errorf("no usable tools at %s", cfg.endpoint)
	}
	log.Info().Int("tools", reg.Len()).Str("endpoint", cfg.endpoint).Msg("tool registry built")

	factory, ok := engine.Resolve(cfg.provider)
	if !ok {
		return "", fmt.Errorf("unknown engine provider %q", cfg.provider)
	}
	eng, err := factory(ctx, map[string]any{"model": cfg.model})
	if err != nil {
		return "", err
	}

	runOpts := []runtime.RunnerOption{runtime.WithLogger(log), runtime.WithMaxTurns(cfg.maxTurns)}
	if cfg.journalDSN != "" {
		jrnl, err := journal.Open(ctx, cfg.journalDSN)
		if err != nil {
			return "", fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = jrnl.Close() }()
		if err := jrnl.Migrate(ctx); err != nil {
			return "", fmt.Errorf("migrate journal: %w", err)
		}
		runOpts = append(runOpts, runtime.WithJournal(jrnl))
	}
	if cfg.budget > 0 {
		est, err := runtime.NewTikTokenEstimator("gpt-4o")
		if err != nil {
			log.Warn().Err(err).Msg("token estimator unavailable, transcript unbounded")
		} else {
			runOpts = append(runOpts, runtime.WithTranscriptBudget(est, cfg.budget))
		}
	}

	r := runtime.NewRunner(reg, eng, runOpts...)
	return r.Run(ctx, cfg.query)
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
