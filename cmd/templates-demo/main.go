package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	templates "github.com/goliatone/go-templates"
	"github.com/goliatone/go-templates/pkg/config"
)

//go:embed views
var embeddedViews embed.FS

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	configPath := flag.String("config", "", "YAML configuration file (defaults when empty)")
	dir := flag.String("dir", "", "template directory on disk (embedded views when empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(*configPath, *dir)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	tpl, err := newTemplates(cfg, logger)
	if err != nil {
		logger.Fatal("create templates", zap.Error(err))
	}
	defer func() { _ = tpl.Close() }()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(tpl, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.String("instance", tpl.ID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(path, dir string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return config.Config{}, err
	}
	if dir != "" {
		cfg.Directory = dir
	}
	return cfg, cfg.Validate()
}

func newTemplates(cfg config.Config, logger *zap.Logger, extra ...templates.Option) (*templates.Templates, error) {
	opts := []templates.Option{
		templates.WithConfig(cfg),
		templates.WithLogger(logger),
		templates.WithContextProcessor("site", siteProcessor),
	}
	if cfg.Directory == "" {
		views, err := fs.Sub(embeddedViews, "views")
		if err != nil {
			return nil, err
		}
		opts = append(opts, templates.WithFS(views))
	}
	opts = append(opts, extra...)

	tpl, err := templates.New(opts...)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

func siteProcessor(*http.Request) (map[string]any, error) {
	return map[string]any{"site": "templates demo"}, nil
}
