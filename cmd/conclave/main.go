// conclave is the command line front end: it loads configuration and
// secrets, wires the provider adapters and the store, and drives the
// pipeline from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"conclave/pkg/config"
	"conclave/pkg/logx"
	"conclave/pkg/metrics"
	"conclave/pkg/orchestrator"
	"conclave/pkg/persistence"
	"conclave/pkg/prompts"
	"conclave/pkg/proto"
	"conclave/pkg/provider"
	"conclave/pkg/stream"
)

func main() {
	var (
		configPath = flag.String("config", "conclave.yaml", "path to the configuration file")
		setToken   = flag.String("set-token", "", "store a session token for the given provider id and exit")
		sessionID  = flag.String("session", "", "extend an existing session instead of starting a new one")
		providers  = flag.String("providers", "", "comma-separated provider subset (default: all configured)")
		message    = flag.String("message", "", "run a single message and exit instead of the interactive loop")
	)
	flag.Parse()

	logger := logx.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	secrets, err := loadSecrets(cfg.SecretsPath)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	if *setToken != "" {
		if err := storeToken(cfg, secrets, *setToken); err != nil {
			logger.Error("%v", err)
			os.Exit(1)
		}
		fmt.Printf("token stored for %s\n", *setToken)
		return
	}

	db, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	defer db.Close()

	adapters, err := buildProviders(cfg, secrets)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, reg, logger)
	}
	var usage *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		usage, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			logger.Error("%v", err)
			os.Exit(1)
		}
	}

	builder, err := prompts.NewTieredBuilder(cfg.PromptBudgetTokens)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}

	observer := orchestrator.NewChannelObserver(0)
	orch := orchestrator.New(db, orchestrator.Config{
		Executor:                 orchestrator.NewProviderExecutor(adapters),
		Builder:                  builder,
		Observer:                 observer,
		Metrics:                  m,
		DefaultConciergeProvider: cfg.Concierge.DefaultProvider,
		ProviderTimeout:          time.Duration(cfg.Timeouts.ProviderSeconds) * time.Second,
		AuxiliaryTimeout:         time.Duration(cfg.Timeouts.AuxiliarySeconds) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go drainEvents(ctx, observer, logger)

	ids := providerIDs(cfg, *providers)
	if *message != "" {
		if err := runOnce(ctx, orch, ids, *sessionID, *message); err != nil {
			logger.Error("%v", err)
			os.Exit(1)
		}
		return
	}
	runLoop(ctx, orch, usage, ids, *sessionID)
}

// loadSecrets prompts for the secrets password when stdin is a terminal.
// Without a terminal the file is skipped and tokens come from the
// environment.
func loadSecrets(path string) (*config.Secrets, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.LoadSecrets(path, "")
	}
	password, err := readPassword("secrets password: ")
	if err != nil {
		return nil, err
	}
	return config.LoadSecrets(path, password)
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

func storeToken(cfg *config.Config, secrets *config.Secrets, providerID string) error {
	token, err := readPassword(fmt.Sprintf("token for %s: ", providerID))
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty token for %s", providerID)
	}
	password, err := readPassword("secrets password: ")
	if err != nil {
		return err
	}
	secrets.Set(providerID, token)
	return config.SaveSecrets(cfg.SecretsPath, password, secrets.Tokens())
}

func buildProviders(cfg *config.Config, secrets *config.Secrets) (map[string]provider.Provider, error) {
	adapters := make(map[string]provider.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		token := secrets.Token(pc.ID)
		switch pc.Kind {
		case config.KindAnthropic:
			adapters[pc.ID] = provider.NewAnthropicProvider(pc.ID, token, pc.Model)
		case config.KindOpenAI:
			adapters[pc.ID] = provider.NewOpenAIProvider(pc.ID, token, pc.Model)
		case config.KindGemini:
			adapters[pc.ID] = provider.NewGeminiProvider(pc.ID, token, pc.Model)
		case config.KindOllama:
			adapters[pc.ID] = provider.NewOllamaProvider(pc.ID, pc.Host, pc.Model)
		default:
			return nil, fmt.Errorf("provider %q has unsupported kind %q", pc.ID, pc.Kind)
		}
	}
	return adapters, nil
}

func serveMetrics(listen string, reg *prometheus.Registry, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening on %s", listen)
	if err := http.ListenAndServe(listen, mux); err != nil { //nolint:gosec // local observability endpoint
		logger.Error("metrics server: %v", err)
	}
}

func providerIDs(cfg *config.Config, subset string) []string {
	if subset != "" {
		return strings.Split(subset, ",")
	}
	ids := make([]string, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		ids = append(ids, pc.ID)
	}
	return ids
}

// drainEvents prints pipeline events as they arrive.
func drainEvents(ctx context.Context, observer *orchestrator.ChannelObserver, logger *logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-observer.Events():
			switch {
			case ev.StepUpdate != nil:
				u := ev.StepUpdate
				if u.Status == orchestrator.StepFailed {
					logger.Warn("step %s/%s failed: %s", u.Stage, u.ProviderID, u.Error)
				} else {
					logger.Debug("step %s/%s completed", u.Stage, u.ProviderID)
				}
			case ev.ArtifactReady != nil:
				a := ev.ArtifactReady
				if a.Artifact != nil {
					logger.Info("artifact ready for turn %s (%d claims)", a.TurnID, len(a.Artifact.Claims))
				}
			}
		}
	}
}

func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, providers []string, sessionID, message string) error {
	req := &proto.Request{
		Type:        proto.RequestInitialize,
		Providers:   providers,
		UserMessage: message,
	}
	if sessionID != "" {
		req.Type = proto.RequestExtend
		req.SessionID = sessionID
	}
	result, err := orch.ExecuteTurn(ctx, req)
	if err != nil {
		return err
	}
	printResult(result)
	if result.Paused {
		result, err = resolveTraversal(ctx, orch, result)
		if err != nil {
			return err
		}
		printResult(result)
	}
	return nil
}

// watchDeltas attaches live watchers for a session's batch and synthesis
// streams and prints partial output as it arrives.
func watchDeltas(ctx context.Context, orch *orchestrator.Orchestrator, sessionID string, providers []string) {
	stages := []proto.ResponseType{proto.ResponseBatch, proto.ResponseSingularity}
	for _, stage := range stages {
		for _, pid := range providers {
			ch := orch.Deltas().Watch(sessionID, string(stage), pid)
			go func(stage proto.ResponseType, pid string, ch <-chan stream.Delta) {
				for {
					select {
					case <-ctx.Done():
						return
					case d, ok := <-ch:
						if !ok {
							return
						}
						p := orchestrator.Partial{SessionID: sessionID, Stage: stage, ProviderID: pid, Delta: d}
						if p.Delta.IsFinal {
							continue
						}
						fmt.Fprintf(os.Stderr, "[%s/%s] %s\n", p.Stage, p.ProviderID, p.Delta.Text)
					}
				}
			}(stage, pid, ch)
		}
	}
}

func runLoop(ctx context.Context, orch *orchestrator.Orchestrator, usage *metrics.QueryService, providers []string, sessionID string) {
	logger := logx.NewLogger("repl")
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("conclave ready. Type a message, /usage for session totals, or /quit to exit.")

	watching := false
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if line == "/usage" {
			printUsage(ctx, usage, sessionID)
			continue
		}

		req := &proto.Request{
			Type:        proto.RequestInitialize,
			Providers:   providers,
			UserMessage: line,
		}
		if sessionID != "" {
			req.Type = proto.RequestExtend
			req.SessionID = sessionID
			if !watching {
				watchDeltas(ctx, orch, sessionID, providers)
				watching = true
			}
		}

		result, err := orch.ExecuteTurn(ctx, req)
		if err != nil {
			logger.Error("%v", err)
			continue
		}
		sessionID = result.Session.ID
		printResult(result)

		if result.Paused {
			result, err = resolveTraversal(ctx, orch, result)
			if err != nil {
				logger.Error("%v", err)
				continue
			}
			printResult(result)
		}
	}
}

// resolveTraversal walks the forcing points interactively and resumes the
// gated turn with the collected choices.
func resolveTraversal(ctx context.Context, orch *orchestrator.Orchestrator, result *orchestrator.TurnResult) (*orchestrator.TurnResult, error) {
	art := result.Turn.Artifact
	state := make(map[string]string, len(art.ForcingPoints))
	scanner := bufio.NewScanner(os.Stdin)

	for _, fp := range art.ForcingPoints {
		fmt.Printf("\n%s\n", fp.Question)
		for i, opt := range fp.Options {
			fmt.Printf("  %d) %s", i+1, opt.Label)
			if opt.Consequence != "" {
				fmt.Printf(" (%s)", opt.Consequence)
			}
			fmt.Println()
		}
		fmt.Print("choice: ")
		if !scanner.Scan() {
			break
		}
		choice := strings.TrimSpace(scanner.Text())
		for i, opt := range fp.Options {
			if choice == fmt.Sprintf("%d", i+1) || strings.EqualFold(choice, opt.Label) {
				choice = opt.Label
				break
			}
		}
		state[fp.ID] = choice
	}

	return orch.HandleContinueRequest(ctx, &proto.ContinueRequest{
		SessionID:               result.Session.ID,
		AITurnID:                result.Turn.ID,
		TraversalState:          state,
		IsTraversalContinuation: true,
	})
}

func printUsage(ctx context.Context, usage *metrics.QueryService, sessionID string) {
	if usage == nil {
		fmt.Println("usage aggregation needs metrics.prometheus_url in the config")
		return
	}
	if sessionID == "" {
		fmt.Println("no session yet")
		return
	}
	sm, err := usage.GetSessionMetrics(ctx, sessionID)
	if err != nil {
		fmt.Printf("usage query failed: %v\n", err)
		return
	}
	fmt.Printf("session %s: %d provider calls (%d failed), avg latency %.2fs\n",
		sm.SessionID, sm.ProviderCalls, sm.FailedCalls, sm.AvgLatency)
}

func printResult(result *orchestrator.TurnResult) {
	if result.Skipped {
		fmt.Println("(duplicate request dropped)")
		return
	}
	if result.Paused {
		fmt.Println("\nThe decision map has open choices to resolve.")
		return
	}
	if result.ConciergeText != "" {
		fmt.Printf("\n%s\n", result.ConciergeText)
	}
}
