// Command tablecored wires the betting core's subsystems into one running
// process: the durable KV client, lock manager, wallet engine, state
// store, rollout gate, and health monitor, plus the read-only health HTTP
// endpoint of spec.md §6. It does not construct a betting orchestrator.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/pokercore/tablecore/internal/betting"
	"github.com/pokercore/tablecore/internal/budget"
	"github.com/pokercore/tablecore/internal/config"
	"github.com/pokercore/tablecore/internal/health"
	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/lockmgr"
	"github.com/pokercore/tablecore/internal/metrics"
	"github.com/pokercore/tablecore/internal/pokerlog"
	"github.com/pokercore/tablecore/internal/rollout"
	"github.com/pokercore/tablecore/internal/statestore"
	"github.com/pokercore/tablecore/internal/wallet"
)

func main() {
	var (
		httpAddr     = flag.String("http-addr", ":8090", "address for the metrics/health HTTP server")
		configPath   = flag.String("system-constants", "", "path to system_constants.toml")
		postgresDSN  = flag.String("postgres-dsn", "postgres://localhost:5432/tablecore", "ledger Postgres DSN")
		valkeyAddr   = flag.String("valkey-addr", "127.0.0.1:6379", "Valkey/Redis address")
		idleLockTTL  = flag.Duration("lock-idle-ttl", 10*time.Minute, "idle lock pool entry reap threshold")
	)
	flag.Parse()

	log := pokerlog.New("tablecored")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgStore, err := config.NewStore(*configPath)
	if err != nil {
		log.Crit("failed to load system_constants", "error", err)
		return
	}

	valkeyClient, err := valkeylib.NewClient(valkeylib.ClientOption{InitAddress: []string{*valkeyAddr}})
	if err != nil {
		log.Crit("failed to connect to valkey", "error", err)
		return
	}
	defer valkeyClient.Close()
	kv := kvstore.New(kvstore.NewValkeyClient(valkeyClient))

	pgPool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Crit("failed to connect to postgres", "error", err)
		return
	}
	defer pgPool.Close()
	ledger := wallet.NewPgxLedger(pgPool)

	registry := prometheus.NewRegistry()
	metrics.MustRegisterAll(registry)

	locks := lockmgr.New(cfgStore, log.New("component", "lockmgr"), lockmgr.WithIdleTTL(*idleLockTTL))
	go locks.RunReaper(ctx, time.Minute)

	dlq := wallet.NewKVDLQ(kv, "")
	walletSvc := wallet.New(ledger, kv, dlq, log.New("component", "wallet"))
	_ = walletSvc // wired into the betting.Orchestrator the caller constructs per deployment

	states := statestore.New(kv, "", 0)
	_ = states // wired into the betting.GameHook the caller constructs per deployment

	gate := rollout.New(cfgStore, log.New("component", "rollout"))
	monitor := health.New(cfgStore, gate, kv, log.New("component", "health"))
	go func() {
		if err := monitor.Run(ctx); err != nil {
			log.Error("health monitor stopped", "error", err)
		}
	}()

	requestBudget := budget.New(log.New("component", "budget"), 10)
	_ = requestBudget // consumed by the transport adapter, out of scope per spec.md §1

	_ = betting.New // the Orchestrator is constructed per-table by the transport
	// adapter once it supplies a GameHook bound to its own game engine; see
	// DESIGN.md for why tablecored itself stops at wiring the four core
	// subsystems rather than embedding a fake GameHook.

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/health/fine_grained_locks", monitor.Handler())

	server := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("tablecored listening", "addr", *httpAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Crit("http server failed", "error", err)
	}
}
