// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mllp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenAndDial(t *testing.T) (net.Listener, *Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	conn, err := Connect(ln.Addr().String())
	require.NoError(t, err)

	return ln, conn
}

func TestReadFrameSimple(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	_, err = server.Write([]byte("\x0bhello\x1c\x0d"))
	require.NoError(t, err)

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(frame))
}

func TestReadFrameSplitAcrossWrites(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	// sentinel bytes split across separate writes/TCP segments
	_, err = server.Write([]byte("\x0bpar"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = server.Write([]byte("tial\x1c"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = server.Write([]byte("\x0d"))
	require.NoError(t, err)

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "partial", string(frame))
}

func TestReadFrameDiscardsStrayBytesOutsideFrame(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	_, err = server.Write([]byte("stray\x0breal\x1c\x0d"))
	require.NoError(t, err)

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "real", string(frame))
}

func TestReadFrameRestartsOnFreshStartSentinel(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	// a second start sentinel discards whatever was captured since the first
	_, err = server.Write([]byte("\x0bdiscarded\x0bkept\x1c\x0d"))
	require.NoError(t, err)

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "kept", string(frame))
}

func TestReadFrameSurfacesReconnectNeededOnClose(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	server.Close()

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, ErrReconnectNeeded)
}

func TestSendAckWrapsFraming(t *testing.T) {
	ln, conn := listenAndDial(t)
	defer ln.Close()
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, conn.SendAck([]byte("MSH|...")))

	buf := make([]byte, 32)
	n, err := server.Read(buf)
	require.NoError(t, err)

	got := buf[:n]
	assert.Equal(t, byte(0x0B), got[0])
	assert.Equal(t, byte(0x1C), got[len(got)-2])
	assert.Equal(t, byte(0x0D), got[len(got)-1])
	assert.Equal(t, "MSH|...", string(got[1:len(got)-2]))
}
