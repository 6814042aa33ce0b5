// Copyright 2024 Driftline Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// driftlined runs the sync engine daemon: the change log API, the
// notification bus and the log-stream worker, over a sqlite store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/driftline/driftline/apiserver"
	coredatabase "github.com/driftline/driftline/core/database"
	"github.com/driftline/driftline/core/logger"
	changelogservice "github.com/driftline/driftline/domain/changelog/service"
	changelogstate "github.com/driftline/driftline/domain/changelog/state"
	notificationservice "github.com/driftline/driftline/domain/notification/service"
	notificationstate "github.com/driftline/driftline/domain/notification/state"
	"github.com/driftline/driftline/domain/schema"
	"github.com/driftline/driftline/internal/database"
	"github.com/driftline/driftline/internal/notifybus"
	"github.com/driftline/driftline/worker/logstream"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses flags and runs the daemon, returning the process exit
// code.
func Main(args []string) int {
	flags := gnuflag.NewFlagSet("driftlined", gnuflag.ContinueOnError)
	addr := flags.String("addr", ":17070", "address to serve the sync API on")
	dbPath := flags.String("db", "driftline.db", "path to the sqlite database")
	channels := flags.String("channels", "deployment,project", "comma separated bus channels to persist history for")
	pollInterval := flags.Duration("poll-interval", time.Second, "log stream sweep interval")
	logConfig := flags.String("log-config", "<root>=INFO", "loggo configuration string")
	if err := flags.Parse(true, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := run(*addr, *dbPath, *channels, *pollInterval); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(addr, dbPath, channels string, pollInterval time.Duration) error {
	log := logger.GetLogger("driftline")
	ctx := context.Background()

	db, err := database.Open(dbPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	runner := database.NewTxnRunner(db, clock.WallClock, log.Child("database"))
	if err := ensureSchema(ctx, runner); err != nil {
		return errors.Trace(err)
	}
	hub, err := notifybus.NewHub(notifybus.HubConfig{
		Clock:  clock.WallClock,
		Logger: log.Child("notifybus"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	logState := changelogstate.NewState(runnerFactory(runner))
	logService := changelogservice.NewService(logState, hub, clock.WallClock, log.Child("changelog"))

	historyState := notificationstate.NewState(runnerFactory(runner))
	historyService := notificationservice.NewService(historyState, clock.WallClock)
	detach := historyService.AttachTo(ctx, hub, splitChannels(channels)...)
	defer detach()

	streamWorker, err := logstream.NewWorker(logstream.WorkerConfig{
		Log:          logState,
		Hub:          hub,
		Clock:        clock.WallClock,
		Logger:       log.Child("logstream"),
		PollInterval: pollInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		streamWorker.Kill()
		_ = streamWorker.Wait()
	}()

	server, err := apiserver.NewServer(apiserver.ServerConfig{
		Sync:          logService,
		Notifications: historyService,
		Bus:           hub,
		Logger:        log.Child("apiserver"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	log.Infof("serving sync API on %s", addr)
	return errors.Trace(http.ListenAndServe(addr, server))
}

func runnerFactory(runner *database.TxnRunner) coredatabase.TxnRunnerFactory {
	return coredatabase.NewTxnRunnerFactoryForRunner(runner)
}

func splitChannels(raw string) []string {
	var channels []string
	for _, channel := range strings.Split(raw, ",") {
		if channel = strings.TrimSpace(channel); channel != "" {
			channels = append(channels, channel)
		}
	}
	return channels
}

// ensureSchema applies the DDL to a fresh database and is a no-op on
// an existing one.
func ensureSchema(ctx context.Context, runner *database.TxnRunner) error {
	var count int
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'change_log'")
		return row.Scan(&count)
	})
	if err != nil {
		return errors.Annotate(err, "inspecting schema")
	}
	if count > 0 {
		return nil
	}
	return errors.Trace(schema.SyncDDL().Ensure(ctx, runner))
}
