// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler runs periodic maintenance work alongside the main
// ingestion loop: currently just the store's periodic snapshot.
package scheduler

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Snapshotter is the subset of *store.Store the scheduler depends on.
type Snapshotter interface {
	Persist() error
}

// Mirror is the subset of *mirror.Mirror the scheduler depends on, kept
// as an interface so tests can run without a real S3 endpoint.
type Mirror interface {
	Upload(path string)
}

// Scheduler wraps a gocron.Scheduler running the maintenance snapshot
// job. It runs on its own goroutine, independent of the orchestrator's
// read loop. Persist backs up through its own short-lived connection to
// the shared-cache database, not through the store's single pooled
// connection; a failed maintenance snapshot is logged and runs again on
// the next tick.
type Scheduler struct {
	gs gocron.Scheduler
}

// New builds and starts a scheduler that snapshots store every interval
// and, when mirror is non-nil, uploads the resulting file afterward.
func New(store Snapshotter, snapshotPath string, mirror Mirror, interval time.Duration) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = gs.NewJob(gocron.DurationJob(interval), gocron.NewTask(
		func() {
			log.Debug("scheduler: running maintenance snapshot")
			if err := store.Persist(); err != nil {
				log.Warnf("scheduler: maintenance snapshot failed: %v", err)
				return
			}
			if mirror != nil {
				mirror.Upload(snapshotPath)
			}
		}))
	if err != nil {
		return nil, err
	}

	gs.Start()
	return &Scheduler{gs: gs}, nil
}

// Shutdown stops the scheduler, waiting for any in-flight job.
func (s *Scheduler) Shutdown() error {
	return s.gs.Shutdown()
}
