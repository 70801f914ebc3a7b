// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main runs the Chronicle daemon: log and probe ingestion, the
// failure ledger, remediation and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/app"
	"github.com/traylinx/chronicle/internal/buildinfo"
	"github.com/traylinx/chronicle/internal/config"
	"github.com/traylinx/chronicle/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

var credentialRe = regexp.MustCompile(`(://[^:@/]+):([^@]+)@`)

// redact hides credentials embedded in DSNs before they reach the log.
func redact(err error) string {
	return credentialRe.ReplaceAllString(err.Error(), "$1:***@")
}

// checkFilePermissions warns when a file that may hold secrets is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.Warnf("%s has permissive mode %s; 0600 is recommended", path, info.Mode().Perm())
	}
}

func main() {
	var (
		configPath  string
		showVersion bool
		noServe     bool
		shutdownSec int
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.BoolVar(&noServe, "no-api", false, "Run ingestion and remediation without the HTTP API")
	flag.IntVar(&shutdownSec, "shutdown-timeout", 15, "Seconds to wait for in-flight work on shutdown")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	envPath := filepath.Join(wd, ".env")
	if err = godotenv.Load(envPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("failed to load .env file")
		}
	} else {
		checkFilePermissions(envPath)
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	checkFilePermissions(configPath)

	log.Infof("%s starting", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %s", redact(err))
	}
	errCh, err := a.Start(ctx, !noServe)
	if err != nil {
		_ = a.Stop(context.Background())
		log.Fatalf("failed to start: %s", redact(err))
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		log.Errorf("api server stopped: %s", redact(err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(shutdownSec)*time.Second)
	defer cancel()
	if err = a.Stop(shutdownCtx); err != nil {
		log.Errorf("shutdown finished with errors: %s", redact(err))
		exitCode = 1
	}
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
