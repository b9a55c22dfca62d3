// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NHR-FAU/smalldata-go/internal/aggconfig"
	"github.com/NHR-FAU/smalldata-go/internal/filestore"
	"github.com/NHR-FAU/smalldata-go/internal/livepublish"
	"github.com/NHR-FAU/smalldata-go/internal/syntheticsource"
	"github.com/NHR-FAU/smalldata-go/internal/workermetrics"
	"github.com/NHR-FAU/smalldata-go/pkg/aggregator"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
	"github.com/NHR-FAU/smalldata-go/pkg/runtimeEnv"
)

func main() {
	var flagConfigFile, flagEnvFile, flagStatusAddr string
	var flagGops, flagSynthetic bool
	var flagRun int
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the aggregator's JSON configuration")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to a .env file to load before reading the config")
	flag.StringVar(&flagStatusAddr, "status-addr", "", "Overwrite the config's metrics-listen-addr (root rank only)")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagSynthetic, "synthetic", false, "Drive a synthetic clock-ticked event source instead of a live DAQ feed")
	flag.IntVar(&flagRun, "run", 0, "Run number stamped on every event")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := aggconfig.Load(flagConfigFile, flagEnvFile)
	if err != nil {
		log.Fatal(err)
	}
	if flagStatusAddr != "" {
		cfg.MetricsListenAddr = flagStatusAddr
	}

	rank, size, err := aggconfig.RankSize()
	if err != nil {
		log.Fatal(err)
	}
	log.SetRank(rank)

	bus, err := newBus(cfg, rank, size)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.FileStore.Dir == "" {
		log.Fatal("file-store.dir is required")
	}
	if err := os.MkdirAll(cfg.FileStore.Dir, 0o755); err != nil {
		log.Fatalf("create file-store dir %s: %s", cfg.FileStore.Dir, err.Error())
	}
	store, err := filestore.NewAvroFileStore(cfg.FileStore.Dir)
	if err != nil {
		log.Fatalf("open file store: %s", err.Error())
	}

	if !flagSynthetic {
		log.Fatal("no live DAQ event source wired in; pass -synthetic to smoke-test this deployment")
	}
	src := syntheticsource.New(flagRun)

	agg := aggregator.New(bus, store, src)

	if cfg.LivePublish.Enabled {
		natsConn, err := collectivebus.DialNats(&collectivebus.NatsConfig{
			Address:       cfg.Nats.Address,
			Username:      cfg.Nats.Username,
			Password:      cfg.Nats.Password,
			CredsFilePath: cfg.Nats.CredsFilePath,
		})
		if err != nil {
			log.Warnf("live-publish enabled but NATS connect failed, continuing without it: %s", err.Error())
		} else {
			agg.AddMonitor(livepublish.NewPublisher(natsConn, cfg.LivePublish.Subject))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		log.Info("smalldata-worker: shutdown signal received")
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		cancel()
	}()

	if rank == 0 && cfg.MetricsListenAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveStatus(ctx, cfg.MetricsListenAddr, agg)
		}()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("create gocron scheduler: %s", err.Error())
	}
	ticker := newTicker(ctx, src, agg, flagSynthetic)
	if _, err := s.NewJob(
		gocron.DurationJob(time.Duration(cfg.GatherIntervalSeconds)*time.Second),
		gocron.NewTask(func() {
			if ticker != nil {
				ticker()
			}
			runGatherRound(ctx, agg)
		}),
	); err != nil {
		log.Fatalf("register gather job: %s", err.Error())
	}
	s.Start()

	runtimeEnv.SystemdNotifiy(true, "running")
	<-ctx.Done()

	if err := s.Shutdown(); err != nil {
		log.Warnf("gocron shutdown: %s", err.Error())
	}
	if err := agg.Close(context.Background()); err != nil {
		log.Errorf("final close: %s", err.Error())
	}
	wg.Wait()
	log.Info("smalldata-worker: graceful shutdown complete")
}

// newTicker returns a function that opens the synthetic source's next
// fiducial and writes one event for it, or nil when not running against
// the synthetic source.
func newTicker(ctx context.Context, src *syntheticsource.Source, agg *aggregator.Aggregator, synthetic bool) func() {
	if !synthetic {
		return nil
	}
	return func() {
		src.Tick()
		if err := agg.Event(ctx, nil); err != nil {
			log.Warnf("synthetic event: %s", err.Error())
		}
	}
}

func runGatherRound(ctx context.Context, agg *aggregator.Aggregator) {
	start := time.Now()
	err := agg.Gather(ctx)
	workermetrics.ObserveGather(start, agg.LastRoundEvents(), err)
	if err != nil {
		log.Errorf("gather round failed: %s", err.Error())
	}
}

func newBus(cfg *aggconfig.Config, rank, size int) (collectivebus.Bus, error) {
	switch cfg.Bus {
	case aggconfig.BusInprocess:
		if size != 1 {
			return nil, fmt.Errorf("bus=inprocess only supports a single process (size=%d requested); use bus=nats across processes", size)
		}
		return collectivebus.NewInprocGroup(1).Handle(0), nil
	case aggconfig.BusNats:
		conn, err := collectivebus.DialNats(&collectivebus.NatsConfig{
			Address:       cfg.Nats.Address,
			Username:      cfg.Nats.Username,
			Password:      cfg.Nats.Password,
			CredsFilePath: cfg.Nats.CredsFilePath,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return collectivebus.NewNatsBus(conn, rank, size, cfg.Nats.SubjectPrefix), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus)
	}
}

// serveStatus runs the root rank's status/metrics HTTP server until ctx
// is cancelled.
func serveStatus(ctx context.Context, addr string, agg *aggregator.Aggregator) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ok, eventTimeNanos, fid := agg.CurrentEvent()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"run":             agg.CurrentRun(),
			"haveEvent":       ok,
			"eventTimeNanos":  eventTimeNanos,
			"fiducial":        fid,
			"lastRoundEvents": agg.LastRoundEvents(),
		})
	})

	server := &http.Server{Addr: addr, Handler: r, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("smalldata-worker: status server listening at %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("status server: %s", err.Error())
	}
}
