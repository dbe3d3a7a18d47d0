package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chomp/internal/cache"
	"chomp/internal/claim"
	"chomp/internal/config"
	"chomp/internal/coordination/redis"
	"chomp/internal/ingester/evmcaller"
	"chomp/internal/ingester/evmlogger"
	"chomp/internal/ingester/httpapi"
	"chomp/internal/ingester/scrapper"
	"chomp/internal/ingester/wsapi"
	"chomp/internal/interval"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/rpcpool"
	"chomp/internal/transform"
	"chomp/internal/tsdb"
	"chomp/internal/tsdb/clickhouse"
	"chomp/internal/workpool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Exit codes from spec.md §6.
const (
	ExitOK               = 0
	ExitConfigInvalid    = 1
	ExitAdapterInitError = 2
)

// Run executes the full startup sequence: load config, connect the
// coordination store and TSDB adapter, build the five ingester-family
// factories, filter out ingesters claimed by another worker, register
// and start the orchestrator, then block until ctx is cancelled. The
// returned int is the process exit code.
func Run(ctx context.Context, opts Options, logger *slog.Logger) int {
	if opts.ProcID == "" {
		opts.ProcID = uuid.NewString()
	}

	cfg, err := config.NewLoader().Load(opts.ConfigPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		return ExitConfigInvalid
	}

	store, err := redis.New(ctx, redisConfigFromEnv(logger))
	if err != nil {
		logger.Error("coordination store connect failed", "error", err)
		return ExitAdapterInitError
	}
	defer store.Close()

	c := cache.New(store, os.Getenv("REDIS_NS"), logger)
	claims := claim.New(store, opts.ProcID, logger)

	adapter, err := buildTSDBAdapter(ctx, opts.TSDBAdapter, logger)
	if err != nil {
		logger.Error("tsdb adapter connect failed", "error", err)
		return ExitAdapterInitError
	}

	engine := transform.New(seriesFetcher(adapter), logger)

	workerCount := 2
	if opts.Threaded {
		workerCount = 0 // workpool.New sizes a non-positive capacity to runtime.NumCPU()
	}
	workers := workpool.New(workerCount)
	pool, err := buildRPCPool(ctx, cfg.Ingesters, opts.RetryCooldown, logger)
	if err != nil {
		logger.Error("rpc pool init failed", "error", err)
		return ExitAdapterInitError
	}

	factories := orchestrator.Factories{
		Collectors: map[model.IngesterType]orchestrator.CollectorFactory{
			model.TypeScrapper:  scrapper.NewFactory(http.DefaultClient),
			model.TypeHTTPAPI:   httpapi.NewFactory(http.DefaultClient),
			model.TypeWSAPI:     wsapi.NewFactory(websocket.DefaultDialer, opts.MaxRetries, opts.RetryCooldown),
			model.TypeEVMCaller: evmcaller.NewFactory(pool, workers, common.Address{}, opts.MaxRetries),
			model.TypeEVMLogger: evmlogger.NewFactory(pool, opts.MaxRetries, opts.PerpetualIndexing),
		},
	}

	ings := claimOwnIngesters(ctx, claims, cfg.Ingesters, opts.MaxJobs, logger)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentTicks: opts.MaxJobs,
		Claims:             claims,
		Cache:              c,
		TSDB:               adapter,
		Engine:             engine,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		return ExitConfigInvalid
	}

	deps := orchestrator.Deps{Cache: c, Pool: workers, RPCPool: pool, Engine: engine, Logger: logger}
	if err := orchestrator.ApplyConfig(orch, factories, ings, deps); err != nil {
		logger.Error("apply config failed", "error", err)
		return ExitConfigInvalid
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("orchestrator start failed", "error", err)
		return ExitConfigInvalid
	}

	<-ctx.Done()
	if err := orch.Stop(); err != nil {
		logger.Warn("orchestrator stop error", "error", err)
	}
	return ExitOK
}

// claimOwnIngesters filters cfg down to the ingesters this worker
// should run: those not already claimed by another worker, capped at
// maxJobs. Ones dropped for being already claimed are skipped silently
// (spec.md §7's ClaimContested policy); ones dropped for exceeding
// maxJobs are logged.
func claimOwnIngesters(ctx context.Context, claims *claim.Manager, all []model.Ingester, maxJobs int, logger *slog.Logger) []model.Ingester {
	owned := make([]model.Ingester, 0, len(all))
	for _, ing := range all {
		if len(owned) >= maxJobs {
			logger.Warn("max_jobs reached, skipping remaining ingesters", "ingester", ing.Name, "max_jobs", maxJobs)
			break
		}
		claimed, err := claims.IsClaimed(ctx, ing.ID(), true)
		if err != nil {
			logger.Warn("claim check failed, skipping ingester this cycle", "ingester", ing.Name, "error", err)
			continue
		}
		if claimed {
			continue
		}
		owned = append(owned, ing)
	}
	return owned
}

func redisConfigFromEnv(logger *slog.Logger) redis.Config {
	return redis.Config{
		Host:           EnvOr("REDIS_HOST", "localhost"),
		Port:           EnvOrInt("REDIS_PORT", 6379),
		DB:             EnvOrInt("REDIS_DB", 0),
		MaxConnections: EnvOrInt("REDIS_MAX_CONNECTIONS", 10),
		Namespace:      EnvOr("REDIS_NS", "chomp"),
		User:           os.Getenv("DB_RW_USER"),
		Password:       os.Getenv("DB_RW_PASS"),
		Logger:         logger,
	}
}

func buildTSDBAdapter(ctx context.Context, name string, logger *slog.Logger) (tsdb.Adapter, error) {
	switch name {
	case "", "clickhouse":
		adapter := clickhouse.New(logger)
		opts := tsdb.ConnectOptions{
			Host:     EnvOr("CLICKHOUSE_HOST", "localhost"),
			Port:     EnvOrInt("CLICKHOUSE_PORT", 9000),
			Database: EnvOr("CLICKHOUSE_DB", "chomp"),
			User:     os.Getenv("DB_RW_USER"),
			Password: os.Getenv("DB_RW_PASS"),
		}
		if err := adapter.Connect(ctx, opts); err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("tsdb adapter %q is not supported", name)
	}
}

// buildRPCPool discovers the set of chain ids referenced by evm_caller/
// evm_logger fields' "chain:addr" targets and dials HTTP_RPCS_<chain_id>
// for each.
func buildRPCPool(ctx context.Context, ings []model.Ingester, retryCooldown time.Duration, logger *slog.Logger) (*rpcpool.Pool, error) {
	chains := make(map[int64]bool)
	for _, ing := range ings {
		if ing.IngesterType != model.TypeEVMCaller && ing.IngesterType != model.TypeEVMLogger {
			continue
		}
		for _, f := range ing.Fields {
			target := f.ResolvedTarget(ing.DefaultTarget)
			chainID, ok := parseChainID(target)
			if ok {
				chains[chainID] = true
			}
		}
	}
	if len(chains) == 0 {
		return rpcpool.New(ctx, rpcpool.Config{RPCs: map[int64][]string{}, RetryCooldown: retryCooldown, Logger: logger})
	}

	rpcs := make(map[int64][]string, len(chains))
	for id := range chains {
		raw := os.Getenv(fmt.Sprintf("HTTP_RPCS_%d", id))
		if raw == "" {
			continue
		}
		rpcs[id] = strings.Split(raw, ",")
	}
	return rpcpool.New(ctx, rpcpool.Config{RPCs: rpcs, RetryCooldown: retryCooldown, Logger: logger})
}

func parseChainID(target string) (int64, bool) {
	chainPart, _, ok := strings.Cut(target, ":")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(chainPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// lookbackPattern parses a windowed-series placeholder's lookback span
// ("h24", "D7", ...): a unit letter (s/m/h/D/W/M/Y) followed by a count,
// grounded on the original implementation's interval_to_delta regex
// (original_source/src/utils.py), which accepts any magnitude rather
// than only the fixed symbols interval.ToSeconds recognizes.
var lookbackPattern = regexp.MustCompile(`^([smhDWMY])(\d+)$`)

func parseLookback(lookback string) (time.Duration, error) {
	m := lookbackPattern.FindStringSubmatch(lookback)
	if m == nil {
		return 0, fmt.Errorf("invalid lookback %q", lookback)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("invalid lookback %q: %w", lookback, err)
	}

	var unit time.Duration
	switch m[1] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "D":
		unit = 24 * time.Hour
	case "W":
		unit = 7 * 24 * time.Hour
	case "M":
		unit = 30 * 24 * time.Hour
	case "Y":
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported lookback unit %q", m[1])
	}
	return time.Duration(n) * unit, nil
}

// seriesFetcherTargetEpochs bounds how many buckets seriesFetcher asks
// interval.FitInterval to aim for when picking Fetch's aggregation
// bucket size: wide lookbacks get coarser buckets rather than an
// unbounded row count.
const seriesFetcherTargetEpochs = 200

// seriesFetcher adapts the TSDB adapter's Fetch to the transform
// engine's windowed-series placeholder contract: fetch column's values
// from table over [now-lookback, now] and reduce them with op.
func seriesFetcher(adapter tsdb.Adapter) transform.SeriesFetcher {
	return func(ctx context.Context, table, column, op, lookback string) (float64, error) {
		span, err := parseLookback(lookback)
		if err != nil {
			return 0, fmt.Errorf("windowed series placeholder for %s.%s: %w", table, column, err)
		}

		now := time.Now().UTC()
		from := now.Add(-span)
		agg := interval.FitInterval(from, now, seriesFetcherTargetEpochs)

		rows, err := adapter.Fetch(ctx, table, from, now, agg, []string{column})
		if err != nil {
			return 0, fmt.Errorf("windowed series placeholder for %s.%s: %w", table, column, err)
		}

		values := make([]float64, 0, len(rows))
		for _, row := range rows {
			v, ok := row.Values[column]
			if !ok {
				continue
			}
			f, ok := seriesValueToFloat(v)
			if !ok {
				continue
			}
			values = append(values, f)
		}

		return transform.ReduceSeries(values, op)
	}
}

// seriesValueToFloat converts a TSDB row value (whatever numeric Go
// type the adapter's driver scanned it as) to float64.
func seriesValueToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
