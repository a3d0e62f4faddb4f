// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/nhs-aki/aki-pipeline/internal/alertbus"
	"github.com/nhs-aki/aki-pipeline/internal/classifier"
	"github.com/nhs-aki/aki-pipeline/internal/config"
	"github.com/nhs-aki/aki-pipeline/internal/mirror"
	"github.com/nhs-aki/aki-pipeline/internal/observability"
	"github.com/nhs-aki/aki-pipeline/internal/orchestrator"
	"github.com/nhs-aki/aki-pipeline/internal/pager"
	"github.com/nhs-aki/aki-pipeline/internal/runtimeEnv"
	"github.com/nhs-aki/aki-pipeline/internal/scheduler"
	"github.com/nhs-aki/aki-pipeline/internal/store"
	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	model, err := classifier.LoadFromFile(cfg.ModelPath)
	if err != nil {
		log.Fatalf("loading model artefact: %v", err)
	}

	st, err := store.Open(cfg.SnapshotPath, cfg.HistoryPath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}

	pagerClient := pager.New(cfg.PagerAddress)
	bus := alertbus.Connect(cfg.NATSAddress)
	snapshotMirror := mirror.New(context.Background(), cfg.MirrorBucket, cfg.MirrorEndpoint)

	sched, err := scheduler.New(st, cfg.SnapshotPath, snapshotMirror, cfg.SnapshotInterval)
	if err != nil {
		log.Fatalf("starting maintenance scheduler: %v", err)
	}

	var obsServer *observability.Server
	if cfg.Debug {
		obsServer = observability.New(cfg.DebugAddress)
		if err := obsServer.Start(); err != nil {
			log.Fatalf("starting observability server: %v", err)
		}
	}

	orch := orchestrator.New(cfg.MLLPAddress, st, model, pagerClient, bus)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		runtimeEnv.SystemdNotify(false, "shutting down")
		orch.Shutdown()
	}()

	runtimeEnv.SystemdNotify(true, "running")

	runErr := orch.Run()

	if err := sched.Shutdown(); err != nil {
		log.Warnf("maintenance scheduler shutdown: %v", err)
	}
	if obsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := obsServer.Shutdown(ctx); err != nil {
			log.Warnf("observability server shutdown: %v", err)
		}
		cancel()
	}

	// Close persists the store and closes the Wire Layer socket. It runs
	// last, after the scheduler and observability server have stopped, so
	// no metric observation or scheduled snapshot races this final persist.
	orch.Close()

	bus.Close()
	if err := st.Close(); err != nil {
		log.Warnf("closing store: %v", err)
	}

	if runErr != nil {
		log.Fatalf("orchestrator: %v", runErr)
	}
	log.Print("shutdown complete")
}
