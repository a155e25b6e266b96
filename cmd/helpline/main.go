package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/helpline/internal/audit"
	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/config"
	"github.com/basket/helpline/internal/gateway"
	"github.com/basket/helpline/internal/janitor"
	"github.com/basket/helpline/internal/ledger"
	otelPkg "github.com/basket/helpline/internal/otel"
	"github.com/basket/helpline/internal/router"
	"github.com/basket/helpline/internal/telemetry"
	"github.com/basket/helpline/internal/tools"
	"github.com/basket/helpline/internal/transcribe"
	"github.com/basket/helpline/internal/turn"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE (default):
  %s                          Start the helpline server
  %s -daemon                  Start the server with logs on stdout (no banner)

SUBCOMMANDS:
  %s status                   Show server health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HELPLINE_HOME           Data directory (default: ~/.helpline)
  HELPLINE_BIND_ADDR      Listen address (default: 127.0.0.1:18790)
  HELPLINE_AUTH_TOKEN     Bearer token gating the HTTP surface
  GEMINI_API_KEY          Required for model replies and transcription

EXAMPLES:
  Start the server:       %s
  Check server health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("HELPLINE_NO_BANNER") == ""
	daemon := flag.Bool("daemon", false, "run without the terminal banner, logs to stdout")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) on a terminal so the banner stays readable.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-server actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so E_LOGGER_INIT failures still leave a record.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create event bus early so every later component can be handed it.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go otelPkg.NewObserver(metrics, eventBus).Run(ctx)

	store, err := ledger.Open(cfg.LedgerPath(), cfg.Ledger.BusyTimeoutMS)
	if err != nil {
		fatalStartup(logger, "E_LEDGER_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "ledger_opened", "path", cfg.LedgerPath())

	// Transcription needs the model key; without it audio-only turns
	// commit with empty content rather than failing.
	var recognizer transcribe.Recognizer = transcribe.Disabled{}
	if key := cfg.LLMAPIKey(); key != "" {
		gem, err := transcribe.NewGemini(ctx, transcribe.GeminiOptions{
			APIKey:       key,
			Model:        cfg.Transcribe.Model,
			LanguageCode: cfg.Transcribe.LanguageCode,
			SampleRateHz: cfg.Transcribe.SampleRateHz,
			Timeout:      time.Duration(cfg.Transcribe.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("transcription disabled", "error", err)
		} else {
			recognizer = gem
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set; transcription disabled and replies are deterministic fallbacks")
	}

	accumulator := turn.NewAccumulator(cfg.Accumulator.MaxTurnBytes)
	committer := turn.NewCommitter(store, recognizer, eventBus, logger, cfg.Ledger.MaxCommitAttempts)

	rt := router.New(ctx, cfg, router.Deps{
		DocSearch: tools.NewDocSearch(cfg.Tools.DocSearch),
		Mailer:    tools.NewMailer(cfg.Tools.Mailer),
		Ticketer:  tools.NewTicketer(cfg.Tools.Ticketer),
		Recall:    tools.NewRecall(store),
		Store:     store,
	}, logger)
	logger.Info("startup phase", "phase", "router_ready", "model", cfg.LLM.Model, "agents", len(cfg.Agents))

	authToken, err := resolveAuthToken(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, agentInstructionFiles(cfg), logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch filepath.Base(ev.Path) {
			case "INSTRUCTION.md":
				data, err := os.ReadFile(ev.Path)
				if err == nil {
					rt.SetInstruction(string(data))
					logger.Info("INSTRUCTION.md hot-reloaded")
				}
			default:
				// config.yaml or an agent instruction_file: reload the whole
				// config so instruction references resolve again.
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config reload failed; retaining previous agents", "error", err)
					break
				}
				rt.SetInstruction(newCfg.RootInstruction)
				rt.SetAgents(newCfg.Agents)
				logger.Info("agent roster hot-reloaded", "agents", len(newCfg.Agents), "config_hash", newCfg.Fingerprint())
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Router:            rt,
		Accumulator:       accumulator,
		Committer:         committer,
		Recognizer:        recognizer,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
		Logger:            logger,
	})
	gw.StartBackgroundTasks(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/{user_id}")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Janitor: reclaims turn buffers from sessions that vanished mid-turn.
	jan, err := janitor.New(janitor.Config{
		Accumulator: accumulator,
		Bus:         eventBus,
		Logger:      logger,
		IdleTTL:     time.Duration(cfg.Accumulator.IdleTTLMinutes) * time.Minute,
		SweepSpec:   cfg.Accumulator.SweepSpec,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	jan.Start()
	defer jan.Stop()
	logger.Info("startup phase", "phase", "janitor_started", "sweep_spec", cfg.Accumulator.SweepSpec)

	if interactive {
		printBanner(cfg, authToken)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first: HTTP shutdown closes the listener and the per-session
	// goroutines commit their partial turns as the connections drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func printBanner(cfg config.Config, authToken string) {
	fmt.Printf("helpline %s\n", Version)
	fmt.Printf("  listening on  %s\n", cfg.BindAddr)
	fmt.Printf("  home          %s\n", cfg.HomeDir)
	fmt.Printf("  ledger        %s\n", cfg.LedgerPath())
	if authToken == "" {
		fmt.Println("  auth          open (loopback)")
	} else {
		fmt.Println("  auth          bearer token required")
	}
	fmt.Printf("  logs          %s\n", filepath.Join(cfg.HomeDir, "logs", "system.jsonl"))
}

// agentInstructionFiles lists instruction_file paths so the watcher can pick
// up edits to them alongside config.yaml and INSTRUCTION.md.
func agentInstructionFiles(cfg config.Config) []string {
	var files []string
	for _, a := range cfg.Agents {
		if a.InstructionFile != "" {
			files = append(files, a.InstructionFile)
		}
	}
	return files
}

// resolveAuthToken decides what gates the HTTP surface. Explicit config wins;
// otherwise loopback binds stay open and anything else gets a generated
// token persisted to <home>/auth.token.
func resolveAuthToken(cfg config.Config, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		if h == "127.0.0.1" || h == "localhost" || h == "::1" {
			return "", nil
		}
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	logger.Info("auth.token generated for non-loopback bind", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"helpline","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

const defaultRootInstruction = `You are the employee helpline assistant. Answer workplace questions
plainly, route requests to the right specialist capability, and never
invent policy. When you cannot help, say so and suggest who can.
`

// writeMinimalConfig bootstraps <home>/config.yaml with starter agents plus a
// default INSTRUCTION.md on first run.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		LLM: config.LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Ledger: config.LedgerConfig{
			MaxCommitAttempts: 3,
			BusyTimeoutMS:     5000,
		},
		Agents: config.StarterAgents(),
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	instructionPath := filepath.Join(homeDir, "INSTRUCTION.md")
	if _, err := os.Stat(instructionPath); os.IsNotExist(err) {
		if err := os.WriteFile(instructionPath, []byte(defaultRootInstruction), 0o644); err != nil {
			return fmt.Errorf("write INSTRUCTION.md: %w", err)
		}
	}
	return nil
}
