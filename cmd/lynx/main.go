// Copyright 2024 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/lynx/blob/master/LICENSE.txt.

package main

import (
	"context"
	"errors"
	"flag"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tigerwill90/lynx"
	"github.com/tigerwill90/lynx/internal/slogpretty"
	"gopkg.in/yaml.v3"
)

type workerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type config struct {
	Policy    string         `yaml:"policy"`
	Threshold *float64       `yaml:"threshold"`
	Workers   []workerConfig `yaml:"workers"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	configFile := flag.String("config", "lynx.yaml", "router configuration file")
	jsonLog := flag.Bool("json", false, "log with the JSON handler instead of the pretty handler")
	flag.Parse()

	var handler slog.Handler = slogpretty.DefaultHandler
	if *jsonLog {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg := config{Policy: lynx.Affinity.String()}
	if data, err := os.ReadFile(*configFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Error("failed to parse config", "path", *configFile, "error", err)
			os.Exit(1)
		}
	} else {
		slog.Debug("no config file found, starting with an empty worker set", "path", *configFile)
	}

	policy, err := lynx.ParsePolicy(cfg.Policy)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	opts := []lynx.GlobalOption{
		lynx.WithPolicy(policy),
		lynx.WithLogHandler(handler),
	}
	if cfg.Threshold != nil {
		opts = append(opts, lynx.WithAffinityThreshold(*cfg.Threshold))
	}

	// Stand-in tokenizer: whitespace words hashed to stable ids. Replace with
	// an encoder matching the model hosted by the workers.
	router, err := lynx.New(lynx.TokenizerFunc(encodeWords), opts...)
	if err != nil {
		slog.Error("failed to create router", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Workers {
		if err := router.AddWorker(w.ID, w.Address); err != nil {
			slog.Error("failed to register worker", "worker", w.ID, "error", err)
			os.Exit(1)
		}
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("router listening", "addr", *addr, "policy", policy.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func encodeWords(text string) []uint32 {
	fields := strings.Fields(text)
	ids := make([]uint32, 0, len(fields))
	for _, field := range fields {
		h := fnv.New32a()
		_, _ = h.Write([]byte(field))
		ids = append(ids, h.Sum32())
	}
	return ids
}
