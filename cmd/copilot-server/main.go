// cmd/copilot-server/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bnpl-copilot/internal/api"
	"bnpl-copilot/internal/common/aws"
	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/copilot"
)

const connectTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewStructured("info", "console").Error("config load failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	var outputs []string
	if cfg.Logging.Output != "" {
		outputs = append(outputs, cfg.Logging.Output)
	}
	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format, outputs...)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("copilot server stopped with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("copilot server stopped", nil)
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting copilot server", map[string]interface{}{
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
		"warehouse":   cfg.Warehouse.Driver,
	})

	// --- Warehouse ---
	warehouse, err := database.Open(ctx, cfg.Warehouse)
	if err != nil {
		return err
	}
	defer warehouse.Close()
	if err := database.WaitReady(ctx, "warehouse", warehouse.Ping, connectTimeout, log); err != nil {
		return err
	}
	log.Info("warehouse connected", map[string]interface{}{"dialect": string(warehouse.Dialect())})

	deps := copilot.Deps{Warehouse: warehouse}

	// --- Redis (sessions, risk cache) ---
	if cfg.Redis.Enabled {
		rc, err := database.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := database.WaitReady(ctx, "redis", rc.Ping, connectTimeout, log); err != nil {
			return err
		}
		deps.Redis = rc.GetClient()
		log.Info("redis connected", map[string]interface{}{"address": cfg.Redis.Address})
	}

	// --- Elasticsearch (trace index) ---
	if cfg.Elasticsearch.Enabled {
		es, err := database.NewElasticsearch(cfg.Elasticsearch)
		if err != nil {
			return err
		}
		if err := database.WaitReady(ctx, "elasticsearch", es.Ping, connectTimeout, log); err != nil {
			return err
		}
		deps.Elasticsearch = es.Client
		log.Info("elasticsearch connected", map[string]interface{}{"index": cfg.Elasticsearch.TraceIndex})
	}

	// --- SNS (guardrail alerts) ---
	if cfg.Alerts.Enabled {
		sns, err := aws.NewSNSClient(ctx, cfg.Alerts.Region)
		if err != nil {
			return err
		}
		deps.Publisher = sns
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Registerer = reg

	rt, err := copilot.Build(cfg, deps, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := api.Options{
		Ready:    warehouse.Ping,
		Gatherer: reg,
	}
	if rt.Traces != nil {
		opts.Traces = rt.Traces
	}
	server := api.NewServer(api.FromServer(cfg.Server), rt.Pipeline, opts, log)
	return server.Run(ctx)
}
