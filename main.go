// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// scull is a userspace daemon serving a pool of sparse in-memory storage
// devices. Devices are exposed as files of a FUSE filesystem and their layout
// can be inspected through a small HTTP endpoint.
//
// Project structure is following:
//
// - internal/scull contains the storage engine, devices, sessions, the
// layout walker and control commands. It does not know anything about the
// way clients reach it.
//
// - internal/fusefs exposes the devices and diagnostic files via FUSE.
//
// - internal/diag serves diagnostics and control commands over HTTP.
//
// - internal/report uploads layout snapshots into S3 at shutdown.
//
// - internal/config contains configuration package.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/scull/internal/config"
	"github.com/asch/scull/internal/diag"
	"github.com/asch/scull/internal/fusefs"
	"github.com/asch/scull/internal/report"
	"github.com/asch/scull/internal/report/s3"
	"github.com/asch/scull/internal/scull"
	"github.com/asch/scull/internal/scull/budget"
)

// How long the shutdown snapshot upload may take.
const reportTimeout = 30 * time.Second

// Parse configuration from file and environment variables, creates the pool
// of devices and exposes it. The daemon runs until it is signaled by SIGINT or
// SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	pool, err := scull.NewPool(config.Cfg.NrDevs, config.Geometry(), budget.New(config.Cfg.MemoryLimit))
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Msgf("scull: major %d, minor %d, %d devices, each quantum has %d bytes, a quantum set has %d quantums",
		config.Cfg.Major, config.Cfg.Minor, config.Cfg.NrDevs, config.Cfg.Quantum, config.Cfg.QSet)

	var server *fuse.Server
	if config.Cfg.Mountpoint != "" {
		server, err = fusefs.Mount(fusefs.Options{
			Mountpoint: config.Cfg.Mountpoint,
			Pool:       pool,
			Minor:      config.Cfg.Minor,
			MemLimit:   config.Cfg.Diag.MemLimit,
			AllowOther: config.Cfg.AllowOther,
		})
		if err != nil {
			log.Panic().Err(err).Send()
		}
	}

	if config.Cfg.Diag.Listen != "" {
		runDiag(config.Cfg.Diag.Listen, diag.New(pool, config.Cfg.Diag.MemLimit))
	}

	waitForSignal()

	if server != nil {
		log.Info().Msgf("Unmounting %s", config.Cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			log.Info().Err(err).Send()
		}
	}

	if config.Cfg.Report.Bucket != "" {
		uploadReport(pool)
	}

	pool.Close()
	log.Info().Msg("scull exit")
}

// Blocks until SIGINT or SIGTERM comes in.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)

	<-stopChan
	log.Info().Msg("Received interrupt, stopping scull!")
}

// Uploads layout of all devices before they are released. Failure is only
// logged, it must not prevent the shutdown.
func uploadReport(pool *scull.Pool) {
	uploader, err := s3.New(s3.Options{
		Remote:    config.Cfg.Report.Remote,
		Region:    config.Cfg.Report.Region,
		Bucket:    config.Cfg.Report.Bucket,
		AccessKey: config.Cfg.Report.AccessKey,
		SecretKey: config.Cfg.Report.SecretKey,
	})
	if err != nil {
		log.Info().Err(err).Msg("layout snapshot skipped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if _, err := report.Publish(ctx, uploader, config.Cfg.Report.Prefix, pool); err != nil {
		log.Info().Err(err).Send()
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Serves diagnostics and control commands.
func runDiag(addr string, handler http.Handler) {
	go func() {
		log.Info().Str("listen", addr).Msg("diagnostic endpoint started")
		log.Info().Err(http.ListenAndServe(addr, handler)).Send()
	}()
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
