// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHistoryCSV(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "history.csv")
	content := "mrn,date,result\n"
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpenBackfillsFromCSVAndWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	historyPath := writeHistoryCSV(t, dir, "31251122,2024-01-01 10:00:00,120.5")
	snapshotPath := filepath.Join(dir, "store.db")

	s, err := Open(snapshotPath, historyPath)
	require.NoError(t, err)
	defer s.Close()

	date, _ := time.Parse("2006-01-02 15:04:05", "2024-01-01 10:00:00")
	exists, err := s.HasResult("31251122", date)
	require.NoError(t, err)
	assert.True(t, exists)

	_, statErr := os.Stat(snapshotPath)
	assert.NoError(t, statErr, "Open must persist a snapshot after a CSV backfill")
}

func TestOpenWithMissingHistoryCSVStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "store.db")

	s, err := Open(snapshotPath, filepath.Join(dir, "nonexistent.csv"))
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetPatient("anyone")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestInsertAndGetPatient(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertPatient("31251122", 42, "m"))

	p, err := s.GetPatient("31251122")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 42, p.Age)
	assert.Equal(t, "m", p.Sex)
}

func TestDuplicatePatientInsertIsIgnored(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertPatient("31251122", 42, "m"))
	require.NoError(t, s.InsertPatient("31251122", 99, "f")) // ignored, not an error

	p, err := s.GetPatient("31251122")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 42, p.Age) // original record unchanged
}

func TestDischargeRemovesPatientButKeepsResults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertPatient("31251122", 42, "m"))
	date := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertResult("31251122", date, 1.2))

	require.NoError(t, s.Discharge("31251122"))

	p, err := s.GetPatient("31251122")
	require.NoError(t, err)
	assert.Nil(t, p)

	exists, err := s.HasResult("31251122", date)
	require.NoError(t, err)
	assert.True(t, exists, "test results must survive discharge")
}

func TestDischargeUnknownPatientIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Discharge("nobody"))
}

func TestGetHistoryOnlyAdmittedPatients(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertPatient("31251122", 42, "m"))
	date := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertResult("31251122", date, 1.2))

	history, err := s.GetHistory("31251122")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1.2, history[0].Result)

	require.NoError(t, s.Discharge("31251122"))

	history, err = s.GetHistory("31251122")
	require.NoError(t, err)
	assert.Len(t, history, 0, "GetHistory must not see a discharged patient's results")
}

func TestGetHistoryOrderedByDateAscending(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertPatient("31251122", 42, "m"))

	latest := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	earliest := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	middle := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)

	// inserted out of order, on purpose, to prove GetHistory itself sorts
	require.NoError(t, s.InsertResult("31251122", latest, 3.0))
	require.NoError(t, s.InsertResult("31251122", earliest, 1.0))
	require.NoError(t, s.InsertResult("31251122", middle, 2.0))

	history, err := s.GetHistory("31251122")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.True(t, history[0].Date.Equal(earliest))
	assert.True(t, history[1].Date.Equal(middle))
	assert.True(t, history[2].Date.Equal(latest))
	assert.Equal(t, 1.0, history[0].Result)
	assert.Equal(t, 2.0, history[1].Result)
	assert.Equal(t, 3.0, history[2].Result)
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "store.db")

	s1, err := Open(snapshotPath, filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	require.NoError(t, s1.InsertPatient("31251122", 42, "m"))
	date := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s1.InsertResult("31251122", date, 1.2))
	require.NoError(t, s1.Persist())
	require.NoError(t, s1.Close())

	s2, err := Open(snapshotPath, filepath.Join(dir, "missing.csv"))
	require.NoError(t, err)
	defer s2.Close()

	p, err := s2.GetPatient("31251122")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 42, p.Age)

	exists, err := s2.HasResult("31251122", date)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBackfillSkipsMalformedRowsWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	historyPath := writeHistoryCSV(t, dir,
		"31251122,2024-01-01 10:00:00,120.5",
		"bad-row,not-a-date,not-a-number",
		"31251133,2024-01-02 09:30:00,95.0",
	)

	s, err := Open(filepath.Join(dir, "store.db"), historyPath)
	require.NoError(t, err)
	defer s.Close()

	d1, _ := time.Parse("2006-01-02 15:04:05", "2024-01-01 10:00:00")
	d2, _ := time.Parse("2006-01-02 15:04:05", "2024-01-02 09:30:00")

	ok1, err := s.HasResult("31251122", d1)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.HasResult("31251133", d2)
	require.NoError(t, err)
	assert.True(t, ok2)
}
