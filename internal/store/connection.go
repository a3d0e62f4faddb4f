// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements the patient/result store: two SQLite tables
// behind a single connection, with snapshot persistence and CSV backfill.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

// driverName is registered once per process the first time connect is
// called; sql.Register panics on a duplicate name, hence registerOnce.
const driverName = "sqlite3WithHooks"

var registerOnce sync.Once

// connect opens dsn through the hooked sqlite3 driver so every query's
// latency is logged at Debug level. A dsn that is already a "file:" URI is
// used as given; "" (a private in-memory store) or a plain file path is
// wrapped into one with foreign keys off. SQLite does not benefit from
// more than one open connection here: this process is the only writer
// and all reads are tiny.
func connect(dsn string) (*sqlx.DB, error) {
	registerOnce.Do(func() {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryLatencyHook{}))
	})

	target := dsn
	if target == "" {
		target = ":memory:"
	}
	if !strings.HasPrefix(target, "file:") {
		target = fmt.Sprintf("file:%s?_foreign_keys=off", target)
	}

	db, err := sqlx.Open(driverName, target)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
