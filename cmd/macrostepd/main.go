// Command macrostepd is the service entrypoint: it loads an Application
// descriptor, wires the store/coordinator/tree/session stack, serves the
// HTTP surface of §6, and optionally drives one debugging session kind to
// completion. No CLI framework: sub-commands, application registration UX,
// and interactive stepping are the external CLI's job (spec.md §6); this
// binary only does what the daemon itself must do to come up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lbbence95/macrostepd/config"
	"github.com/lbbence95/macrostepd/coordinator"
	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/httpapi"
	"github.com/lbbence95/macrostepd/ingest"
	"github.com/lbbence95/macrostepd/metrics"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/orchestrator"
	"github.com/lbbence95/macrostepd/orchestrator/mock"
	"github.com/lbbence95/macrostepd/orchestrator/occopus"
	"github.com/lbbence95/macrostepd/permission"
	"github.com/lbbence95/macrostepd/session"
	"github.com/lbbence95/macrostepd/store"
	"github.com/lbbence95/macrostepd/telemetry"
	"github.com/lbbence95/macrostepd/tree"
)

func main() {
	os.Exit(run())
}

func run() int {
	descriptorPath := flag.String("config", "", "path to the Application descriptor YAML (required)")
	orchestratorKind := flag.String("orchestrator", "mock", "orchestrator adapter to use: mock or occopus")
	sessionKind := flag.String("session", "", "debugging session to run to completion: freerun, manual, automatic, replay (empty = HTTP server only)")
	replayTarget := flag.String("replay-target", "", "Collective Breakpoint node id to replay to (required when -session=replay)")
	mysqlDSN := flag.String("mysql-dsn", "", "use a MySQL Instance Store at this DSN instead of the default SQLite file")
	flag.Parse()

	if *descriptorPath == "" {
		fmt.Fprintln(os.Stderr, "macrostepd: -config is required")
		return 1
	}

	cfg := config.LoadServerConfig()
	session.PollInterval = cfg.PollInterval
	session.DestroyGracePeriod = cfg.DestroyGracePeriod

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTelemetry, err := telemetry.Init(ctx, "macrostepd")
	if err != nil {
		log.Printf("macrostepd: telemetry init failed, continuing without tracing: %v", err)
	}
	var emitter emit.Emitter = emit.NewNullEmitter()
	if tracer != nil {
		emitter = emit.NewOTelEmitter(tracer)
	}
	if shutdownTelemetry != nil {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutCtx)
		}()
	}

	instances, err := openInstanceStore(cfg, *mysqlDSN)
	if err != nil {
		log.Printf("macrostepd: %v", err)
		return 1
	}
	defer instances.Close()

	trees, err := store.NewSQLiteTreeStore(cfg.TreeStoreDSN)
	if err != nil {
		log.Printf("macrostepd: failed to open execution-tree store: %v", err)
		return 1
	}
	defer trees.Close()

	var adapter orchestrator.Adapter
	switch *orchestratorKind {
	case "mock":
		adapter = mock.New()
	case "occopus":
		adapter = occopus.New()
	default:
		fmt.Fprintf(os.Stderr, "macrostepd: unknown -orchestrator %q\n", *orchestratorKind)
		return 1
	}

	app, desc, err := config.LoadApplication(ctx, *descriptorPath, adapter, instances)
	if err != nil {
		log.Printf("macrostepd: failed to load application descriptor: %v", err)
		return 1
	}
	evaluator, err := config.BuildEvaluator(desc)
	if err != nil {
		log.Printf("macrostepd: failed to build specification evaluator: %v", err)
		return 1
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	coord := coordinator.New(instances, emitter)
	treeMgr := tree.New(trees, emitter)
	treeMgr.Metrics = collectors
	driver := session.New(instances, coord, treeMgr, adapter, emitter)
	driver.Metrics = collectors

	ingestSvc := ingest.New(instances, emitter)
	ingestSvc.Metrics = collectors
	permSvc := permission.New(instances)
	permSvc.Metrics = collectors
	httpSrv := httpapi.NewServer(ingestSvc, permSvc, instances, emitter)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: httpSrv.NewRouter()}

	go func() {
		log.Printf("macrostepd: metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("macrostepd: metrics server error: %v", err)
		}
	}()
	go func() {
		log.Printf("macrostepd: http listening on %s", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("macrostepd: http server error: %v", err)
		}
	}()

	if *sessionKind != "" {
		go runSession(ctx, driver, app, *sessionKind, *replayTarget, evaluator)
	}

	<-ctx.Done()
	log.Println("macrostepd: shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutCtx)
	_ = metricsServer.Shutdown(shutCtx)
	return 0
}

func openInstanceStore(cfg config.ServerConfig, mysqlDSN string) (store.InstanceStore, error) {
	if mysqlDSN != "" {
		s, err := store.NewMySQLInstanceStore(mysqlDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql instance store: %w", err)
		}
		return s, nil
	}
	s, err := store.NewSQLiteInstanceStore(cfg.InstanceStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite instance store: %w", err)
	}
	return s, nil
}

func runSession(ctx context.Context, driver *session.Driver, app model.Application, kind, replayTarget string, ev *eval.Evaluator) {
	switch kind {
	case "freerun":
		instance, err := driver.NewInstance(ctx, app)
		if err != nil {
			log.Printf("macrostepd: freerun failed to start: %v", err)
			return
		}
		if err := driver.Freerun(ctx, app, instance, ev); err != nil {
			log.Printf("macrostepd: freerun session error: %v", err)
		}
	case "manual":
		log.Printf("macrostepd: manual sessions are driven by the external CLI over the HTTP surface; nothing to do here")
	case "automatic":
		instance, err := driver.NewInstance(ctx, app)
		if err != nil {
			log.Printf("macrostepd: automatic session failed to start: %v", err)
			return
		}
		if err := driver.AutomaticRun(ctx, app, instance, ev); err != nil {
			log.Printf("macrostepd: automatic session error: %v", err)
		}
	case "replay":
		if replayTarget == "" {
			log.Printf("macrostepd: -session=replay requires -replay-target")
			return
		}
		if _, err := driver.ReplayTo(ctx, app, model.NodeID(replayTarget), ev); err != nil {
			log.Printf("macrostepd: replay session error: %v", err)
		}
	default:
		log.Printf("macrostepd: unknown -session %q", kind)
	}
}
