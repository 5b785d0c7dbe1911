package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"torii/core"
	"torii/pkg/config"
)

var log = logrus.WithField("component", "cmd/torii")

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	viper.AutomaticEnv()

	root := &cobra.Command{
		Use:   "torii",
		Short: "Pluggable blockchain event indexer",
	}

	root.AddCommand(runCmd(), versionCmd(), topicsCmd(), routingCmd())

	if err := root.Execute(); err != nil {
		logrus.Fatalf("torii: %v", err)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the extract-decode-distribute pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the running instance's version and uptime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint("/version")
		},
	}
}

func topicsCmd() *cobra.Command {
	topics := &cobra.Command{Use: "topics", Short: "Topic catalog operations"}
	topics.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the topics the running instance publishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint("/topics")
		},
	})
	return topics
}

func routingCmd() *cobra.Command {
	routing := &cobra.Command{Use: "routing", Short: "Routing-table operations"}
	routing.AddCommand(&cobra.Command{
		Use:   "show <address>",
		Short: "Show the cached decoder routing for a contract address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint("/routing/" + args[0])
		},
	})
	return routing
}

func fetchAndPrint(path string) error {
	base := viper.GetString("ADMIN_BIND")
	if base == "" {
		base = "http://127.0.0.1:9090"
	}
	resp, err := http.Get(base + path)
	if err != nil {
		return fmt.Errorf("admin request %s: %w", path, err)
	}
	defer resp.Body.Close()
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runPipeline assembles and runs one complete pipeline: StateStore,
// SubscriptionBus, ContractRouter, SinkHost, DecoderHub, the configured
// Extractor, and the admin/subscription HTTP listener (§4.9 startup
// sequence).
func runPipeline() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.Logging.Level)

	store, err := core.OpenBoltStateStore(cfg.Storage.StateStoreRoot)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	bus := core.NewSubscriptionBus()

	rpcURL := viper.GetString("RPC_URL")
	if rpcURL == "" {
		return fmt.Errorf("RPC_URL must be set to a Starknet-compatible JSON-RPC endpoint")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := core.DialJSONRPCSource(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("dial rpc source: %w", err)
	}

	blacklist := map[core.Address]struct{}{}
	for _, a := range cfg.Identification.Blacklist {
		addr, err := core.AddressFromHex(a)
		if err != nil {
			return fmt.Errorf("parse blacklist address %q: %w", a, err)
		}
		blacklist[addr] = struct{}{}
	}

	router := core.NewContractRouter(core.RouterConfig{
		Blacklist: blacklist,
		Mode:      core.IdentificationMode(cfg.Identification.Mode),
	}, source, store)

	// No concrete Sink/Decoder implementations ship with the engine
	// (§1 Non-goals: concrete decoders/sinks for specific token standards
	// are out of scope) — operators embedding torii register their own
	// before calling runPipeline's equivalent in their own main.
	sinkHost := core.NewSinkHost(nil)
	if err := sinkHost.Initialize(ctx, bus, cfg.Storage.StateStoreRoot); err != nil {
		return fmt.Errorf("initialize sinks: %w", err)
	}

	decoderHub, err := core.NewDecoderHub(core.DecoderHubConfig{SkipReverted: true})
	if err != nil {
		return fmt.Errorf("build decoder hub: %w", err)
	}

	extractor, err := buildExtractor(cfg, source, store)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}

	metrics := core.NewMetrics()

	driver, err := core.NewPipelineDriver(core.PipelineDriverConfig{
		Extractor:         extractor,
		DecoderHub:        decoderHub,
		Router:            router,
		SinkHost:          sinkHost,
		Store:             store,
		Bus:               bus,
		Metrics:           metrics,
		CycleInterval:     cfg.Pipeline.CycleInterval,
		EventsPerCycleCap: cfg.Pipeline.EventsPerCycleCap,
		ShutdownTimeout:   cfg.Pipeline.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("build pipeline driver: %w", err)
	}

	subService := core.NewSubscriptionService(bus, sinkHost.Topics(), buildVersionString(), metrics)
	bind := cfg.Network.BindHost + ":" + strconv.Itoa(cfg.Network.BindPort)
	httpServer := &http.Server{Addr: bind, Handler: adminMux(subService, router, metrics)}

	go func() {
		log.Infof("subscription/admin listener on %s", bind)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http listener stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		subService.StopAcceptingNewSubscriptions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("pipeline starting")
	return driver.Run(ctx)
}

func adminMux(svc *core.SubscriptionService, router *core.ContractRouter, metrics *core.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", svc.ServeHTTP)
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.GetVersion())
	})
	mux.HandleFunc("/topics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ListTopics())
	})
	mux.HandleFunc("/routing/", func(w http.ResponseWriter, r *http.Request) {
		hexAddr := r.URL.Path[len("/routing/"):]
		addr, err := core.AddressFromHex(hexAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids, err := router.Route(r.Context(), addr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, core.SortedDecoderIDs(ids))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func buildExtractor(cfg *config.Config, source *core.JSONRPCSource, store core.StateStore) (core.Extractor, error) {
	switch cfg.Extractor.Kind {
	case "", "block_range":
		return core.NewBlockRangeExtractor(core.BlockRangeExtractorConfig{
			StateKey:  "default",
			FromBlock: cfg.Extractor.FromBlock,
			ToBlock:   cfg.Extractor.ToBlock,
			BatchSize: cfg.Extractor.BatchSize,
			Source:    source,
			Retry:     core.NewRetryPolicy(core.RetryPolicyDefault(), core.IsRetryableIOError),
			Store:     store,
		}), nil
	case "event_log":
		contracts := make([]core.EventLogContract, 0, len(cfg.Extractor.Contracts))
		for _, a := range cfg.Extractor.Contracts {
			addr, err := core.AddressFromHex(a)
			if err != nil {
				return nil, fmt.Errorf("parse event-log contract %q: %w", a, err)
			}
			contracts = append(contracts, core.EventLogContract{Address: addr, StartBlock: cfg.Extractor.FromBlock})
		}
		return core.NewEventLogExtractor(core.EventLogExtractorConfig{
			StateKey:  "default",
			Contracts: contracts,
			ChunkSize: cfg.Extractor.ChunkSize,
			Source:    source,
			Retry:     core.NewRetryPolicy(core.RetryPolicyDefault(), core.IsRetryableIOError),
			Store:     store,
		}), nil
	default:
		return nil, fmt.Errorf("unknown extractor kind %q", cfg.Extractor.Kind)
	}
}

func setLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func buildVersionString() string {
	return "torii/" + config.Version
}
