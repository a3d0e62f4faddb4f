// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Patient is one row of the patients table: the demographic record kept
// only while the patient is admitted.
type Patient struct {
	MRN string `db:"mrn"`
	Age int    `db:"age"`
	Sex string `db:"sex"`
}

// Result is one row of the test_results table: a single creatinine
// observation, kept indefinitely regardless of admission state.
type Result struct {
	MRN    string    `db:"mrn"`
	Date   time.Time `db:"date"`
	Result float64   `db:"result"`
}

// HistoryEntry is one joined (patient, result) row as returned by
// GetHistory, scoped to currently admitted patients only.
type HistoryEntry struct {
	MRN    string    `db:"mrn"`
	Age    int       `db:"age"`
	Sex    string    `db:"sex"`
	Date   time.Time `db:"date"`
	Result float64   `db:"result"`
}

// sharedCacheDSN names the in-memory database this process keeps live.
// SQLite's shared-cache mode lets a second, short-lived connection (used
// only for backup) observe the same data without the two connections
// passing data through application code.
const sharedCacheDSN = "file:aki-pipeline?mode=memory&cache=shared&_foreign_keys=off"

// Store is the patient/result store: a live in-memory SQLite database,
// snapshotted to snapshotPath on persist and restored from it on load.
//
// The pool's single connection (SetMaxOpenConns(1)) is never closed
// between queries, which is what keeps the shared-cache in-memory
// database alive for the process lifetime; SQLite drops a shared-cache
// memory db the instant its last connection closes.
type Store struct {
	db           *sqlx.DB
	builder      sq.StatementBuilderType
	snapshotPath string
}

// Open creates the live in-memory store and loads its initial content:
// from snapshotPath if that file exists, otherwise from the historyPath
// CSV backfill (after which a snapshot is written immediately so later
// restarts are snapshot-based, per the persistence protocol).
func Open(snapshotPath, historyPath string) (*Store, error) {
	db, err := connect(sharedCacheDSN)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		builder:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		snapshotPath: snapshotPath,
	}

	if err := runMigrations(db.DB); err != nil {
		return nil, err
	}

	if _, err := os.Stat(snapshotPath); err == nil {
		if err := s.restoreFromSnapshot(); err != nil {
			return nil, err
		}
		log.Info("store: loaded on-disk snapshot into memory")
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: stat snapshot: %w", err)
	}

	if err := s.backfillFromCSV(historyPath); err != nil {
		return nil, err
	}
	if err := s.Persist(); err != nil {
		return nil, err
	}
	log.Info("store: backfilled from history CSV and wrote initial snapshot")
	return s, nil
}

// Close releases the underlying database handle. Callers should Persist
// before Close if durability of in-flight writes is wanted.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPatient appends a patients row. A duplicate MRN is logged and
// ignored; the existing admission record is left untouched.
func (s *Store) InsertPatient(mrn string, age int, sex string) error {
	_, err := s.db.Exec(`INSERT INTO patients (mrn, age, sex) VALUES (?, ?, ?)`, mrn, age, sex)
	if err != nil {
		if isConstraintError(err) {
			log.Warnf("store: patient %s already admitted, ignoring", mrn)
			return nil
		}
		return fmt.Errorf("store: insert patient: %w", err)
	}
	return nil
}

// InsertResult appends a test_results row. A duplicate (mrn, date) is
// logged and ignored.
func (s *Store) InsertResult(mrn string, date time.Time, result float64) error {
	_, err := s.db.Exec(`INSERT INTO test_results (mrn, date, result) VALUES (?, ?, ?)`, mrn, date, result)
	if err != nil {
		if isConstraintError(err) {
			log.Warnf("store: result for %s at %s already recorded, ignoring", mrn, date)
			return nil
		}
		return fmt.Errorf("store: insert result: %w", err)
	}
	return nil
}

// Discharge deletes the patients row for mrn. Test results are kept for
// historic data. A no-op, not an error, if mrn is unknown.
func (s *Store) Discharge(mrn string) error {
	if _, err := s.db.Exec(`DELETE FROM patients WHERE mrn = ?`, mrn); err != nil {
		return fmt.Errorf("store: discharge: %w", err)
	}
	return nil
}

// GetPatient returns the admission record for mrn, or nil if the patient
// is unknown or discharged.
func (s *Store) GetPatient(mrn string) (*Patient, error) {
	var p Patient
	query, args, err := s.builder.Select("mrn", "age", "sex").From("patients").Where(sq.Eq{"mrn": mrn}).ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.Get(&p, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get patient: %w", err)
	}
	return &p, nil
}

// GetHistory returns every (patient, result) row joined on mrn, ordered by
// observation datetime ascending, only for currently admitted patients.
// Returns (nil, nil) if mrn is unknown or discharged, distinguishing "no
// history" from "no patient" is the caller's responsibility via GetPatient.
func (s *Store) GetHistory(mrn string) ([]HistoryEntry, error) {
	query, args, err := s.builder.
		Select("patients.mrn", "patients.age", "patients.sex", "test_results.date", "test_results.result").
		From("patients").
		Join("test_results ON patients.mrn = test_results.mrn").
		Where(sq.Eq{"patients.mrn": mrn}).
		OrderBy("test_results.date ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []HistoryEntry
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: get history: %w", err)
	}
	return rows, nil
}

// HasResult reports whether a test_results row exists for (mrn, date),
// regardless of the patient's admission state. Used as the LIMS
// post-condition check, since GetHistory only sees admitted patients.
func (s *Store) HasResult(mrn string, date time.Time) (bool, error) {
	query, args, err := s.builder.Select("1").From("test_results").
		Where(sq.Eq{"mrn": mrn, "date": date}).ToSql()
	if err != nil {
		return false, err
	}

	var exists int
	if err := s.db.Get(&exists, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: has result: %w", err)
	}
	return true, nil
}

// Persist snapshots the live database to snapshotPath: backing up into a
// temporary file in the same directory, then renaming it over the
// canonical path so a reader never observes a partially written file.
func (s *Store) Persist() error {
	dir := filepath.Dir(s.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.db")
	if err != nil {
		return fmt.Errorf("store: create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // backup's destination file must not already exist

	if err := s.backupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename snapshot into place: %w", err)
	}

	log.Debugf("store: persisted snapshot to %s", s.snapshotPath)
	return nil
}

// backfillFromCSV reads rows of the form mrn,date1,result1,date2,result2,...
// and inserts each (date, result) pair via InsertResult. A row with an mrn
// and zero pairs is valid. Malformed rows are logged and skipped rather
// than aborting the whole backfill.
func (s *Store) backfillFromCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("store: history CSV %s not found, starting empty", path)
			return nil
		}
		return fmt.Errorf("store: open history CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // variable-length trailing (date, result) pairs

	lineNo := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			log.Warnf("store: history CSV row %d unreadable: %v", lineNo, err)
			continue
		}
		if lineNo == 1 {
			continue // header
		}
		if err := s.backfillRow(row); err != nil {
			log.Warnf("store: history CSV row %d: %v", lineNo, err)
		}
	}
	return nil
}

func (s *Store) backfillRow(row []string) error {
	for len(row) > 0 && row[len(row)-1] == "" {
		row = row[:len(row)-1]
	}
	if len(row) == 0 {
		return nil
	}
	mrn := row[0]
	pairs := row[1:]
	if len(pairs)%2 != 0 {
		return fmt.Errorf("mrn %s: odd number of trailing fields", mrn)
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		date, err := time.Parse("2006-01-02 15:04:05", pairs[i])
		if err != nil {
			date, err = time.Parse(time.RFC3339, pairs[i])
			if err != nil {
				return fmt.Errorf("mrn %s: bad date %q: %w", mrn, pairs[i], err)
			}
		}
		value, err := strconv.ParseFloat(pairs[i+1], 64)
		if err != nil {
			return fmt.Errorf("mrn %s: bad result %q: %w", mrn, pairs[i+1], err)
		}
		if err := s.InsertResult(mrn, date, value); err != nil {
			return err
		}
	}
	return nil
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY")
}
