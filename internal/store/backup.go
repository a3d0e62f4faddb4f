// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// backupTo copies the live shared-cache in-memory database into destPath
// using SQLite's own online backup API, so a reader never sees a
// half-written file regardless of how large the database grows. destPath
// must not already exist.
func (s *Store) backupTo(destPath string) error {
	srcConn, err := rawSQLiteConn(sharedCacheDSN)
	if err != nil {
		return fmt.Errorf("store: backup source conn: %w", err)
	}
	defer srcConn.close()

	dstConn, err := rawSQLiteConn(destPath)
	if err != nil {
		return fmt.Errorf("store: backup dest conn: %w", err)
	}
	defer dstConn.close()

	backup, err := dstConn.sqlite.Backup("main", srcConn.sqlite, "main")
	if err != nil {
		return fmt.Errorf("store: start backup: %w", err)
	}

	if _, err := backup.Step(-1); err != nil {
		backup.Close()
		return fmt.Errorf("store: backup step: %w", err)
	}
	return backup.Finish()
}

// restoreFromSnapshot replaces the live database's content with what's in
// snapshotPath, again via the online backup API (run in reverse).
func (s *Store) restoreFromSnapshot() error {
	srcConn, err := rawSQLiteConn(s.snapshotPath)
	if err != nil {
		return fmt.Errorf("store: restore source conn: %w", err)
	}
	defer srcConn.close()

	dstConn, err := rawSQLiteConn(sharedCacheDSN)
	if err != nil {
		return fmt.Errorf("store: restore dest conn: %w", err)
	}
	defer dstConn.close()

	backup, err := dstConn.sqlite.Backup("main", srcConn.sqlite, "main")
	if err != nil {
		return fmt.Errorf("store: start restore: %w", err)
	}

	if _, err := backup.Step(-1); err != nil {
		backup.Close()
		return fmt.Errorf("store: restore step: %w", err)
	}
	return backup.Finish()
}

// rawConn pairs a plain (unhooked) database/sql connection with the
// *sqlite3.SQLiteConn underneath it, extracted once via Conn.Raw. It
// exists only for the lifetime of one backup/restore call.
type rawConn struct {
	db     *sql.DB
	conn   *sql.Conn
	sqlite *sqlite3.SQLiteConn
}

func (c *rawConn) close() {
	c.conn.Close()
	c.db.Close()
}

// rawSQLiteConn opens dsn through the plain "sqlite3" driver (bypassing
// the query-logging hooks, which would otherwise hide the concrete
// *sqlite3.SQLiteConn the backup API needs) and unwraps it.
func rawSQLiteConn(dsn string) (*rawConn, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	var sc *sqlite3.SQLiteConn
	err = conn.Raw(func(driverConn interface{}) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		sc = c
		return nil
	})
	if err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}

	return &rawConn{db: db, conn: conn, sqlite: sc}, nil
}
