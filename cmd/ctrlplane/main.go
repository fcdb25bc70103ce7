// Command ctrlplane is the process entrypoint: it wires configuration,
// the shared state store, the durable approval store, the tool registry,
// the dispatcher, the SAFEGUARD gate, the scheduler, and the HTTP
// transport into one running server. Grounded on cmd/helm/main.go's
// Run(args, stdout, stderr) int dispatch style and its runServer wiring
// sequence (database -> kernel layers -> subsystems -> console server ->
// signal-wait shutdown).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/widip-ai/ctrlplane/internal/approval"
	"github.com/widip-ai/ctrlplane/internal/collaborators"
	"github.com/widip-ai/ctrlplane/internal/config"
	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/dispatch"
	"github.com/widip-ai/ctrlplane/internal/healthmon"
	"github.com/widip-ai/ctrlplane/internal/mcpclient"
	"github.com/widip-ai/ctrlplane/internal/registry"
	"github.com/widip-ai/ctrlplane/internal/safeguard"
	"github.com/widip-ai/ctrlplane/internal/scheduler"
	"github.com/widip-ai/ctrlplane/internal/secrets"
	"github.com/widip-ai/ctrlplane/internal/state"
	"github.com/widip-ai/ctrlplane/internal/tools"
	"github.com/widip-ai/ctrlplane/internal/transport"
	"github.com/widip-ai/ctrlplane/internal/workflows"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing: it never calls os.Exit itself.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) >= 2 {
		switch args[1] {
		case "health":
			return runHealthCmd(stdout, stderr)
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		}
	}
	return runServer(stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ctrlplane - governance core for AI-initiated tool calls")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: ctrlplane [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  (no command)   Run the server (default)")
	fmt.Fprintln(w, "  health         Check server health over HTTP")
	fmt.Fprintln(w, "  help           Show this help")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.ValidateProduction(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis: ping failed", "err", err)
		return 1
	}
	sharedState := state.New(rdb)
	logger.Info("ctrlplane: state store ready", "addr", cfg.RedisAddr)

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Error("postgres: open failed", "err", err)
		return 1
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("postgres: ping failed", "err", err)
		return 1
	}

	approvalStore, err := approval.NewPostgresStore(ctx, db)
	if err != nil {
		logger.Error("approval: store init failed", "err", err)
		return 1
	}

	var cipher *secrets.Cipher
	if cfg.EncryptionKey == "" {
		logger.Warn("ctrlplane: ENCRYPTION_KEY unset, approval secrets use an ephemeral key that will not survive a restart")
		cipher, err = secrets.NewCipher("")
	} else {
		cipher, err = secrets.NewCipher(cfg.EncryptionKey)
	}
	if err != nil {
		logger.Error("secrets: cipher init failed", "err", err)
		return 1
	}
	queue := approval.New(approvalStore, sharedState, cipher)

	reg := registry.New()
	deps := tools.Collaborators{
		Ticketing:  &collaborators.HTTPTicketing{BaseURL: cfg.CollaboratorTicketingURL},
		Monitoring: &collaborators.HTTPNetworkMonitor{BaseURL: cfg.CollaboratorMonitoringURL},
		Directory:  &collaborators.HTTPDirectory{BaseURL: cfg.CollaboratorDirectoryURL},
		State:      sharedState,
	}
	if err := tools.RegisterAll(reg, deps); err != nil {
		logger.Error("tools: registration failed", "err", err)
		return 1
	}

	dispatcher := dispatch.New(reg)
	gate := safeguard.New()
	gate.Disabled = cfg.SafeguardDisabled

	authCfg := transport.AuthConfig{Enabled: cfg.AuthEnabled, Header: cfg.AuthHeader, Key: cfg.AuthKey}
	rateLimiter := transport.NewRateLimiter(20, 40)

	selfClient := mcpclient.New(fmt.Sprintf("http://%s:%d", loopbackHost(cfg.TransportHost), cfg.TransportPort), cfg.AuthHeader, cfg.AuthKey, nil)
	sched := scheduler.New(selfClient, logger)

	webhookNotifier := &collaborators.HTTPWebhookNotifier{URL: cfg.CollaboratorWebhookURL}

	var checkers []transport.Checker
	if cfg.HealthCheckURL != "" {
		probe := func(ctx context.Context) (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.HealthCheckURL, nil)
			if err != nil {
				return nil, err
			}
			return http.DefaultClient.Do(req)
		}
		monitor := healthmon.New("upstream", sharedState, webhookNotifier, probe, logger)
		sched.RegisterInterval(workflows.NewHealthCheck(monitor), healthmon.TickPeriod)
		checkers = append(checkers, transport.Checker{
			Name:     "upstream",
			Critical: true,
			Probe: func(ctx context.Context) error {
				hstate, err := sharedState.GetHealth(ctx, "upstream")
				if err != nil {
					return err
				}
				if hstate == contracts.HealthDown {
					return fmt.Errorf("upstream reporting down")
				}
				return nil
			},
		})
	}

	sched.RegisterInterval(workflows.NewApprovalCleanupSweep(queue, sharedState), 5*time.Minute)

	srv := &transport.Server{
		Auth:       authCfg,
		Origins:    cfg.OriginAllowlist,
		RateLimit:  rateLimiter,
		Registry:   reg,
		Dispatcher: dispatcher,
		Gate:       gate,
		Queue:      queue,
		Scheduler:  sched,
		Checkers:   checkers,
		Log:        logger,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.TransportHost, cfg.TransportPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start()

	go func() {
		logger.Info("ctrlplane: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ctrlplane: server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("ctrlplane: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ctrlplane: http shutdown error", "err", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error("ctrlplane: scheduler shutdown error", "err", err)
	}
	return 0
}

func loopbackHost(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "localhost"
	}
	return host
}
