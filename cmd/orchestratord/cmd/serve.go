package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/dispatcher"
	"github.com/wardnb/autonomous-dev-team/engine"
	"github.com/wardnb/autonomous-dev-team/internal/api"
	"github.com/wardnb/autonomous-dev-team/learning"
	"github.com/wardnb/autonomous-dev-team/llm"
	"github.com/wardnb/autonomous-dev-team/safety"
	"github.com/wardnb/autonomous-dev-team/session"
	"github.com/wardnb/autonomous-dev-team/similarity"
	"github.com/wardnb/autonomous-dev-team/storage"
	"github.com/wardnb/autonomous-dev-team/telemetry"
	"github.com/wardnb/autonomous-dev-team/worker"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fix-session dispatcher and its HTTP control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address the HTTP control API listens on")
}

// noopNotifier discards every notification; the production fallback when
// neither a webhook URL nor a Redis URL is configured (spec.md §4.9's
// notification channel is ambient, not load-bearing for correctness).
type noopNotifier struct{}

func (noopNotifier) NotifyWarning(ctx context.Context, message string) error { return nil }
func (noopNotifier) NotifyApprovalRequest(ctx context.Context, sessionID string, strategy core.FixStrategy) error {
	return nil
}
func (noopNotifier) NotifySummary(ctx context.Context, sessionID string, status core.Status, message string) error {
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := core.Load(dotenvPath, configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogrusLogger("orchestratord", cfg.LogLevel)
	metrics := telemetry.NewMetrics()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	llmClient := llm.NewAnthropicClient(cfg.LLMAPIKey, logger)

	var notifier worker.Notifier = noopNotifier{}
	if webhookURL := os.Getenv("ADT_NOTIFIER_WEBHOOK_URL"); webhookURL != "" {
		notifier = worker.NewWebhookNotifier(webhookURL)
	} else if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", core.EnvRedisURL, err)
		}
		notifier = worker.NewRedisNotifier(redis.NewClient(opts), "orchestrator:notifications")
	}

	vcs := worker.NewGitHubGateway(
		os.Getenv("GITHUB_TOKEN"),
		os.Getenv("GITHUB_OWNER"),
		os.Getenv("GITHUB_REPO"),
		cfg.RepoPath,
		logger,
	)

	costs := safety.NewCostTracker(db, cfg.DailyCostLimit, cfg.LLMPriceTable, notifier, logger)
	limiter := safety.NewRateLimiter(cfg.RateLimits)
	approval := safety.NewApprovalGate(categoriesOf(cfg.RequireApprovalFor), nil, cfg.SensitiveFilePatter)
	learningStore := learning.NewStore(db, llmClient, learning.WithLogger(logger))
	sessions := session.NewSQLStore(db)
	waiter := engine.NewApprovalWaiter()

	eng := engine.New(cfg, engine.Deps{
		LLM:            llmClient,
		Editor:         worker.NewAnchoredEditor(),
		VCS:            vcs,
		Verifier:       worker.NewCommandVerifier(),
		Deployer:       worker.NewComposeDeployer(os.Getenv("ADT_COMPOSE_FILE")),
		Notifier:       notifier,
		Costs:          costs,
		Limiter:        limiter,
		Approval:       approval,
		Learning:       learningStore,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Logger:         logger,
		Metrics:        metrics,
		PathPatterns:   similarity.DefaultPathPatterns,
	})

	d := dispatcher.New(cfg, dispatcher.Deps{
		Engine:         eng,
		Sessions:       sessions,
		ApprovalWaiter: waiter,
		Logger:         logger,
		Metrics:        metrics,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Start(runCtx)
	defer d.Stop()

	srv := &api.Server{Dispatcher: d, Costs: costs, VCS: vcs, Metrics: metrics, Logger: logger}
	httpServer := &http.Server{Addr: listenAddr, Handler: srv.NewRouter()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("orchestratord listening", map[string]interface{}{"addr": listenAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("orchestratord shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", map[string]interface{}{"error": err.Error()})
	}
	wg.Wait()
	return nil
}

func categoriesOf(names []string) []core.Category {
	out := make([]core.Category, 0, len(names))
	for _, n := range names {
		out = append(out, core.Category(n))
	}
	return out
}
