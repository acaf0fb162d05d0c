package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/seantiz/ember/internal/api"
	"github.com/seantiz/ember/internal/automator"
	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/protocol"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/stream"
	"github.com/seantiz/ember/internal/taskclient"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: $EMBER_CONFIG or ./ember.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := config.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("setup logger: %v", err)
	}
	defer logCloser.Close()

	logger.Info("ember: starting",
		"server_url", cfg.ServerURL,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"stream_addr", cfg.Stream.Addr,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("open journal", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := taskclient.NewHTTPClient(cfg.ServerURL, &http.Client{})
	if err != nil {
		logger.Error("task client", "error", err)
		os.Exit(1)
	}

	auto, err := automator.New(client, cfg.AutomatorOptions(), logger, automator.WithJournal(db))
	if err != nil {
		logger.Error("create automator", "error", err)
		os.Exit(1)
	}
	if err := auto.Register(automator.Echo("echo"), cfg.RunnerConfig("echo")); err != nil {
		logger.Error("register echo worker", "error", err)
		os.Exit(1)
	}

	var streamClient *stream.Client
	var streamStatus api.StreamStatus
	if cfg.StreamEnabled() {
		codec, err := protocol.Lookup(cfg.Stream.Codec)
		if err != nil {
			logger.Error("stream codec", "error", err)
			os.Exit(1)
		}
		dialer := &stream.TCPDialer{
			Addr:         cfg.Stream.Addr,
			Codec:        codec,
			WriteTimeout: cfg.Stream.WriteTimeout,
			Logger:       logger,
		}
		streamClient, err = stream.NewClient(context.Background(), dialer, cfg.StreamClientConfig(), logger)
		if err != nil {
			logger.Error("create stream client", "error", err)
			os.Exit(1)
		}
		streamStatus = streamClient
	}

	if err := auto.Start(); err != nil {
		logger.Error("start automator", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.ListenAddr, db, auto, streamStatus, logger)
	runErr := srv.Run()

	if err := auto.Shutdown(); err != nil {
		if errors.Is(err, automator.ErrForcedShutdown) {
			logger.Warn("automator stopped with tasks still running", "error", err)
		} else {
			logger.Error("automator shutdown", "error", err)
		}
	}
	if streamClient != nil {
		if err := streamClient.Close(); err != nil {
			logger.Warn("close stream client", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		db.Close()
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("ember: stopped")
}
