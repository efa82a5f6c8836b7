package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/composer"
	"github.com/infinigence/octoproxy/pkg/config"
	"github.com/infinigence/octoproxy/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configFile, envFile string
	flag.StringVar(&configFile, "c", "", "config file path (optional)")
	flag.StringVar(&envFile, "env", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warnf("failed to load %s", envFile)
	}

	conf, err := config.Load(configFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	closeLog := setupLogging(conf)
	defer closeLog()
	if configFile != "" {
		logrus.Infof("Using config file: %s", configFile)
	}

	m := metrics.New()
	proxy, err := composer.Build(conf, composer.NewProxyClientManager(nil), m)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build proxy")
	}

	srv := &http.Server{
		Addr:              conf.ListenAddr(),
		Handler:           NewServer(conf, proxy).Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("listening %s, backend %s", srv.Addr, conf.BackendURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("graceful shutdown incomplete")
	}
}
