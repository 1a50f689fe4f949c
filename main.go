package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()

	cfg := CLIConfig{}

	flag.StringVar(&cfg.ConfigFile, "config", envString("STATSTICKER_CONFIG", ""), "Optional YAML config file (flags given on the command line win)")
	flag.IntVar(&cfg.Port, "port", envInt("PORT", 8093), "HTTP port")
	flag.StringVar(&cfg.PageURL, "page-url", envString("PAGE_URL", ""), "URL of the host page; data.json is fetched from its directory (default: this server's /display/index.html)")
	flag.IntVar(&cfg.IntervalMS, "interval-ms", envInt("POLL_INTERVAL_MS", 10_000), "Poll period (ms)")
	flag.IntVar(&cfg.TimeoutMS, "timeout-ms", envInt("POLL_TIMEOUT_MS", 5_000), "Per-request timeout (ms), at most the poll period")
	flag.IntVar(&cfg.MaxBodyKB, "max-body-kb", envInt("POLL_MAX_BODY_KB", 1024), "Largest data.json accepted (KiB)")
	flag.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.MissingMetrics, "missing-metrics", envString("MISSING_METRICS", "keep"), "When a payload has no metrics: keep the last table, or hide it (keep|hide)")

	flag.BoolVar(&cfg.Publisher, "publisher", envBool("PUBLISHER_ENABLED", true), "Serve /display/data.json and accept POST /api/stats updates")
	flag.StringVar(&cfg.DataDir, "data-dir", envString("DATA_DIR", "./data"), "Directory holding the published data.json")

	flag.StringVar(&cfg.MQTTBroker, "mqtt-broker", envString("MQTT_BROKER", ""), "MQTT broker URL (e.g. tcp://localhost:1883); empty disables")
	flag.StringVar(&cfg.MQTTTopic, "mqtt-topic", envString("MQTT_TOPIC", "statsticker/display"), "MQTT topic for retained display state")
	flag.StringVar(&cfg.MQTTClientID, "mqtt-client-id", envString("MQTT_CLIENT_ID", ""), "MQTT client id (default: generated)")

	// ClickHouse flags (env-backed defaults)
	flag.BoolVar(&cfg.ClickHouseEnabled, "clickhouse", envBool("CLICKHOUSE_ENABLED", false), "Record every poll cycle in ClickHouse")
	flag.StringVar(&cfg.CHHost, "ch-host", envString("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	flag.IntVar(&cfg.CHPort, "ch-port", envInt("CLICKHOUSE_PORT", 9000), "ClickHouse native port")
	flag.StringVar(&cfg.CHUser, "ch-user", envString("CLICKHOUSE_USER", "default"), "ClickHouse user")
	flag.StringVar(&cfg.CHPass, "ch-pass", envString("CLICKHOUSE_PASS", ""), "ClickHouse password")
	flag.StringVar(&cfg.CHDB, "ch-db", envString("CLICKHOUSE_DB", "statsticker"), "ClickHouse database")
	flag.BoolVar(&cfg.CHSecure, "ch-secure", envBool("CLICKHOUSE_SECURE", false), "Use TLS to ClickHouse")
	flag.IntVar(&cfg.CHAsyncInsert, "ch-async-insert", envInt("CLICKHOUSE_ASYNC_INSERT", 1), "ClickHouse async_insert setting (0/1)")
	flag.IntVar(&cfg.CHBatchSize, "ch-batch-size", envInt("CLICKHOUSE_BATCH_SIZE", 500), "ClickHouse insert batch size")
	flag.IntVar(&cfg.CHFlushMS, "ch-flush-ms", envInt("CLICKHOUSE_FLUSH_MS", 1000), "ClickHouse flush cadence (ms)")

	flag.Parse()

	if cfg.ConfigFile != "" {
		fc, err := LoadFileConfig(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		fc.ApplyTo(&cfg, explicit)
	}
	if cfg.PageURL == "" {
		cfg.PageURL = DefaultPageURL(cfg.Port)
	}

	log := NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}
	policy, _ := ParseMissingMetricsPolicy(cfg.MissingMetrics)

	run := NewRunContext(time.UnixMilli(time.Now().UnixMilli()))
	metrics := NewMetrics(run.Start, version, commit, buildDate)

	// ClickHouse init (schema + connections)
	var chClient *ClickHouseClient
	var chw *ClickHouseWriter

	if cfg.ClickHouseEnabled {
		chCfg := ClickHouseConfig{
			Enabled:      true,
			Host:         cfg.CHHost,
			Port:         cfg.CHPort,
			User:         cfg.CHUser,
			Pass:         cfg.CHPass,
			DB:           cfg.CHDB,
			Secure:       cfg.CHSecure,
			AsyncInsert:  cfg.CHAsyncInsert != 0,
			BatchSize:    cfg.CHBatchSize,
			FlushEveryMS: cfg.CHFlushMS,
		}

		ctxInit, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		var err error
		chClient, err = NewClickHouseClient(ctxInit, chCfg, log.Named("clickhouse"))
		cancel()

		if err != nil {
			log.Errorf("clickhouse init failed (continuing without history): %v", err)
			chClient = nil
		} else {
			chw = NewClickHouseWriter(ClickHouseWriterConfig{
				BatchSize:  chCfg.BatchSize,
				FlushEvery: time.Duration(chCfg.FlushEveryMS) * time.Millisecond,
			}, chClient.NativeConn(), run, metrics, log.Named("clickhouse"))
		}
	} else {
		log.Infof("clickhouse disabled")
	}

	display := NewDisplay(policy, metrics, log.Named("display"))

	poller, err := NewPoller(PollerConfig{
		PageURL:  cfg.PageURL,
		Interval: cfg.Interval(),
		Timeout:  cfg.Timeout(),
		MaxBody:  int64(cfg.MaxBodyKB) << 10,
		Log:      log.Named("poller"),
	}, display, chw, metrics)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	var (
		store     *DataStore
		publisher *Publisher
	)
	if cfg.Publisher {
		store = NewDataStore(cfg.DataDir, log.Named("store"))
		if err := store.Load(); err != nil {
			log.Errorf("data store: %v", err)
			os.Exit(1)
		}
		publisher = NewPublisher(store, poller, metrics, log.Named("publisher"))
		log.Infof("publisher enabled, data file %s", store.Path())
	}

	var mqttPub *StatePublisher
	if cfg.MQTTBroker != "" {
		mqttPub = NewStatePublisher(MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			Log:      log.Named("mqtt"),
		}, display, metrics)
		if err := mqttPub.Connect(); err != nil {
			log.Errorf("mqtt connect failed (continuing without mqtt): %v", err)
			mqttPub = nil
		}
	}

	httpSrv := NewHTTPServer(HTTPConfig{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Log:       log.Named("http"),
		Display:   display,
		Poller:    poller,
		Publisher: publisher,
		Store:     store,
		CH:        chClient,
		Run:       run,
		M:         metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// run HTTP server first so a self-hosted data.json is reachable on the first poll
	go func() {
		log.Infof("http listening on http://localhost:%d", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
			stop()
		}
	}()

	// background components
	chwDone := make(chan struct{})
	if chw != nil {
		go func() {
			defer close(chwDone)
			chw.Run(ctx)
		}()
	} else {
		close(chwDone)
	}
	if mqttPub != nil {
		go mqttPub.Run(ctx)
	}
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	<-ctx.Done()

	// graceful shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Infof("shutting down...")
	_ = httpSrv.Shutdown(shCtx)
	<-pollerDone
	<-chwDone
	chClient.Close()
	log.Infof("bye")
}
