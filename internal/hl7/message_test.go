// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hl7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdmit(t *testing.T) {
	raw := []byte("MSH|^~\\&|SIMULATION|SOUTH RIVERSIDE|||20240212131600||ADT^A01|||2.5\r" +
		"PID|1||2133092||LENNON^STELLA||19480203|F\r")

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.True(t, msg.Has("MSH"))
	assert.True(t, msg.Has("PID"))
	assert.False(t, msg.Has("OBR"))
	assert.Equal(t, "2133092", msg.Field("PID", pidMRNField))
	assert.Equal(t, "19480203", msg.Field("PID", pidDOBField))
	assert.Equal(t, "F", msg.Field("PID", pidSexField))
}

func TestParseTrimsTrailingNewlines(t *testing.T) {
	raw := []byte("MSH|^~\\&|||||20240212131600||ADT^A01|||2.5\r\n")
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, msg.Segments, 1)
}

func TestParseEmptyPayload(t *testing.T) {
	_, err := Parse([]byte(""))
	assert.Error(t, err)
	assert.IsType(t, ErrMalformed(""), err)
}

func TestParseRequiresMSHFirst(t *testing.T) {
	raw := []byte("PID|1||2133092||LENNON^STELLA||19480203|F\r")
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsEmptySegmentID(t *testing.T) {
	raw := []byte("MSH|^~\\&|||||20240212131600||ADT^A01|||2.5\r|foo|bar\r")
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestFieldOutOfRange(t *testing.T) {
	raw := []byte("MSH|^~\\&|||||20240212131600||ADT^A01|||2.5\r")
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "", msg.Field("MSH", 99))
	assert.Equal(t, "", msg.Field("ZZZ", 1))
}

func TestFieldCount(t *testing.T) {
	raw := []byte("MSH|^~\\&|||||20240212131600||ADT^A01|||2.5\r" +
		"PID|1||2133092\r")
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, pidMRNField, msg.FieldCount("PID"))
	assert.Equal(t, -1, msg.FieldCount("OBR"))
}
