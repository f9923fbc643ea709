package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/caarlos0/env/v11"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets/sqlite"
)

type config struct {
	Version   string   `env:"WORKER_VERSION" envDefault:"v1"`
	BaseURL   string   `env:"WORKER_BASE_URL" envDefault:"http://localhost:8080"`
	CachePath string   `env:"WORKER_CACHE_PATH" envDefault:"worker-cache.db"`
	Manifest  []string `env:"WORKER_MANIFEST" envDefault:"/,/index.html,/manifest.json"`
}

func main() {
	ctx := context.Background()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := sqlite.Open(ctx, cfg.CachePath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	opts := workercache.DefaultConfig()
	opts.Version = cfg.Version
	opts.BaseURL = cfg.BaseURL
	opts.StaticResources = cfg.Manifest

	w := workercache.NewWorker(store, &opts, nil, logger)

	client := w.Clients().Register()
	defer client.Close()
	go func() {
		for n := range client.Notices() {
			fmt.Printf("notice: %s %s\n", n.Type, n.Version)
		}
	}()

	if err := w.Install(ctx); err != nil {
		panic(err)
	}
	if err := w.Activate(ctx); err != nil {
		panic(err)
	}

	httpClient := &http.Client{Transport: w.Middleware()(http.DefaultTransport)}

	resp, err := httpClient.Get(cfg.BaseURL + "/")
	if err != nil {
		panic(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	fmt.Printf("%s (%d bytes)\n", resp.Status, len(body))

	<-ctx.Done()

	_ = w.Drain(context.Background())
}
