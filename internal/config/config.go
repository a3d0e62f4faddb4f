// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config assembles the program's runtime configuration from
// command-line flags, environment variables, and an optional .env file.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Config is the immutable configuration handed to the orchestrator at
// startup. Nothing downstream of main() re-reads flags or the environment.
type Config struct {
	// MLLPAddress is the upstream MLLP feed, "host:port".
	MLLPAddress string
	// PagerAddress is the pager endpoint, "host:port".
	PagerAddress string
	// HistoryPath is the historical CSV backfill file.
	HistoryPath string
	// SnapshotPath is the canonical on-disk store snapshot.
	SnapshotPath string
	// ModelPath is the decision-tree model artefact.
	ModelPath string
	// Debug enables latency and decision-logging sinks, plus the
	// observability HTTP server.
	Debug bool
	// DebugAddress is where the observability server listens, when Debug
	// is set.
	DebugAddress string
	// NATSAddress, when non-empty, enables the Alert Bus.
	NATSAddress string
	// MirrorBucket, when non-empty, enables best-effort S3 mirroring of
	// local snapshots. MirrorEndpoint, when non-empty, points the mirror
	// at an S3-compatible service instead of AWS's default endpoint.
	MirrorBucket   string
	MirrorEndpoint string
	// Gops starts the gops diagnostic agent when set.
	Gops bool
	// SnapshotInterval is how often the maintenance scheduler re-persists
	// the store, independent of shutdown-time persistence.
	SnapshotInterval time.Duration
}

const (
	defaultMLLPAddress  = "0.0.0.0:8440"
	defaultPagerAddress = "0.0.0.0:8441"
	defaultDebugAddress = "0.0.0.0:8442"
	defaultHistoryPath  = "data/history.csv"
	defaultSnapshotPath = "data/store.db"
	defaultModelPath    = "data/model.json"
	defaultSnapshotTick = 10 * time.Minute
)

// Load parses the given arguments (normally os.Args[1:]) and the process
// environment into a Config. A .env file at envFile is loaded first, if
// present, so its values populate os.Getenv for the rest of this call.
func Load(args []string, envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	fs := flag.NewFlagSet("aki-pipeline", flag.ContinueOnError)
	history := fs.String("history", defaultHistoryPath, "Path to the historical creatinine CSV backfill")
	debug := fs.Bool("debug", false, "Enable latency and decision-logging sinks")
	model := fs.String("model", defaultModelPath, "Path to the decision-tree model artefact")
	snapshot := fs.String("snapshot", defaultSnapshotPath, "Path to the store snapshot file")
	debugAddr := fs.String("debug-addr", defaultDebugAddress, "Bind address for the observability server (only when --debug)")
	gops := fs.Bool("gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	snapshotEvery := fs.Duration("snapshot-interval", defaultSnapshotTick, "How often the maintenance scheduler re-persists the store")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		MLLPAddress:      getenvDefault("MLLP_ADDRESS", defaultMLLPAddress),
		PagerAddress:     getenvDefault("PAGER_ADDRESS", defaultPagerAddress),
		HistoryPath:      *history,
		SnapshotPath:     *snapshot,
		ModelPath:        *model,
		Debug:            *debug,
		DebugAddress:     *debugAddr,
		NATSAddress:      os.Getenv("NATS_ADDRESS"),
		MirrorBucket:     os.Getenv("SNAPSHOT_MIRROR_BUCKET"),
		MirrorEndpoint:   os.Getenv("SNAPSHOT_MIRROR_ENDPOINT"),
		Gops:             *gops,
		SnapshotInterval: *snapshotEvery,
	}

	if cfg.Debug {
		log.SetLogLevel("debug")
	} else {
		log.SetLogLevel("decision")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
