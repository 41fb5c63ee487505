// internal/copilot/wire.go
package copilot

import (
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"bnpl-copilot/internal/common/config"
	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/common/llm"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/metrics"
	"bnpl-copilot/internal/common/observability"
	"bnpl-copilot/internal/conversation"
	buildplan "bnpl-copilot/internal/workers/analytics/build-plan"
	executeplan "bnpl-copilot/internal/workers/analytics/execute-plan"
	narrateresponse "bnpl-copilot/internal/workers/analytics/narrate-response"
	routeintent "bnpl-copilot/internal/workers/analytics/route-intent"
	validateresult "bnpl-copilot/internal/workers/analytics/validate-result"
	indextrace "bnpl-copilot/internal/workers/data-access/index-trace"
	querywarehouse "bnpl-copilot/internal/workers/data-access/query-warehouse"
	buildresponse "bnpl-copilot/internal/workers/infrastructure/build-response"
	"bnpl-copilot/pkg/registry"
)

// Deps are the connections a Runtime is built on. Only Warehouse is
// required; a nil Redis keeps sessions in memory, a nil Elasticsearch skips
// trace indexing and a nil Publisher disables guardrail alerts.
type Deps struct {
	Warehouse     database.SQLStore
	Redis         *redis.Client
	Elasticsearch *elasticsearch.Client
	Publisher     Publisher
	Completer     llm.Completer
	Registry      *registry.Registry
	Registerer    prometheus.Registerer
}

// Runtime is a wired pipeline plus the collaborators the binaries use
// directly.
type Runtime struct {
	Pipeline  *Pipeline
	Warehouse *querywarehouse.Handler
	Traces    *indextrace.Handler
	Registry  *registry.Registry
	Metrics   *metrics.Metrics

	closers []func()
}

// Close stops background workers in reverse construction order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build wires every stage from cfg.
func Build(cfg *config.Config, deps Deps, log logger.Logger) (*Runtime, error) {
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("warehouse connection is required")
	}
	reg := deps.Registry
	if reg == nil {
		var err error
		reg, err = registry.Load(cfg.Registry.AllowlistPath, cfg.Registry.KPIsPath)
		if err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	completer := deps.Completer
	if completer == nil {
		completer = llm.New(cfg.GenAI, log)
	}

	rt := &Runtime{Registry: reg, Metrics: metrics.New(registerer)}
	obs := observability.New(cfg.App.Name, registerer)
	rt.closers = append(rt.closers, obs.Shutdown)

	whConfig := querywarehouse.LoadConfig()
	if cfg.Pipeline.HardMaxRows > 0 {
		whConfig.HardMaxRows = cfg.Pipeline.HardMaxRows
	}
	if cfg.Pipeline.ToolTimeout > 0 {
		whConfig.Timeout = config.GetDuration(cfg.Pipeline.ToolTimeout)
	}
	if cfg.Redis.RiskTTL > 0 {
		whConfig.RiskCacheTTL = config.GetDuration(cfg.Redis.RiskTTL)
	}
	rt.Warehouse = querywarehouse.NewHandler(whConfig, deps.Warehouse, reg, deps.Redis, log)

	sinks := []NamedSink{NewLogSink(log)}
	if deps.Elasticsearch != nil {
		rt.Traces = indextrace.NewHandler(indextrace.FromElasticsearch(cfg.Elasticsearch), deps.Elasticsearch, log)
		sinks = append(sinks, rt.Traces)
	}
	if deps.Publisher != nil && cfg.Alerts.Enabled && cfg.Alerts.TopicARN != "" {
		sinks = append(sinks, NewAlertSink(deps.Publisher, cfg.Alerts.TopicARN, log))
	}
	sink := NewMultiSink(rt.Metrics, log, sinks...)

	pc := FromPipeline(cfg.Pipeline)
	var store conversation.Store
	if deps.Redis != nil {
		store = conversation.NewRedisStore(deps.Redis, pc.HistoryTurns, pc.SessionTTL)
	} else {
		mem := conversation.NewMemoryStore(pc.HistoryTurns, pc.SessionTTL)
		rt.closers = append(rt.closers, mem.Close)
		store = mem
	}

	narrateConfig := narrateresponse.FromPipeline(cfg.Pipeline)
	executor := executeplan.NewHandler(executeplan.FromPipeline(cfg.Pipeline), reg, rt.Warehouse.Dialect(), rt.Warehouse, sink, log)

	rt.Pipeline = New(pc, Components{
		Router:        routeintent.NewHandler(routeintent.FromPipeline(cfg.Pipeline), reg, routeintent.NewLLMClassifier(completer, reg), log),
		Planner:       buildplan.NewHandler(buildplan.FromPipeline(cfg.Pipeline), reg, log),
		Executor:      executor,
		Validator:     validateresult.NewHandler(validateresult.FromPipeline(cfg.Pipeline), log),
		Narrator:      narrateresponse.NewHandler(narrateConfig, reg, narrateresponse.NewLLMGenerator(completer, narrateConfig), log),
		Responder:     buildresponse.NewHandler(buildresponse.FromApp(cfg.App), log),
		DataClock:     rt.Warehouse,
		Store:         store,
		Sink:          sink,
		Metrics:       rt.Metrics,
		Observability: obs,
	}, log)
	rt.closers = append(rt.closers, rt.Pipeline.Close)

	log.Info("pipeline ready", map[string]interface{}{
		"warehouse":  string(deps.Warehouse.Dialect()),
		"sessions":   storeName(deps.Redis),
		"traceSinks": sink.Len(),
		"llm":        cfg.GenAI.Provider,
		"kpis":       len(reg.KPINames()),
		"history":    pc.HistoryTurns,
		"timeout":    pc.RequestTimeout.String(),
	})
	return rt, nil
}

func storeName(rdb *redis.Client) string {
	if rdb != nil {
		return "redis"
	}
	return "memory"
}

