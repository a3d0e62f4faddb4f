// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mllp implements the wire layer: a single reconnecting TCP client
// speaking the Minimal Lower Layer Protocol used to carry HL7 v2 messages.
package mllp

import (
	"bufio"
	"errors"
	"fmt"
	"net"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

const (
	startBlock = 0x0B // VT, MLLP frame start sentinel
	endBlock   = 0x1C // FS, first byte of the MLLP frame end sentinel
	carriageR  = 0x0D // CR, second byte of the MLLP frame end sentinel
)

// ErrReconnectNeeded is returned by ReadFrame whenever the connection must
// be discarded and re-established before reading can continue.
var ErrReconnectNeeded = errors.New("mllp: reconnect needed")

// Conn wraps a single TCP connection to the upstream MLLP endpoint along
// with the buffered reader used to scan frames out of it.
type Conn struct {
	addr string
	nc   net.Conn
	r    *bufio.Reader
}

// Connect establishes a new TCP connection to addr ("host:port").
func Connect(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: connect to %s: %w", addr, err)
	}

	log.Infof("mllp: connected to %s", addr)
	return &Conn{addr: addr, nc: nc, r: bufio.NewReaderSize(nc, 64*1024)}, nil
}

// Close closes the underlying socket. Safe to call on an already-closed
// or nil-socket Conn.
func (c *Conn) Close() {
	if c == nil || c.nc == nil {
		return
	}
	if err := c.nc.Close(); err != nil {
		log.Warnf("mllp: close %s: %v", c.addr, err)
	}
}

// ReadFrame blocks until one complete MLLP frame has been read and returns
// its payload (the bytes strictly between the start and end sentinels).
// Any read error, including a clean close by the peer, is surfaced as
// ErrReconnectNeeded; the caller must discard this Conn and Connect again.
//
// The scanner tolerates sentinels split across TCP segments because it
// reads one byte at a time from a buffered reader rather than assuming a
// frame arrives in a single Read call.
func (c *Conn) ReadFrame() ([]byte, error) {
	var payload []byte
	inFrame := false

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, ErrReconnectNeeded
		}

		switch {
		case b == startBlock:
			// A start sentinel always begins a fresh frame, discarding
			// anything captured since the last one (stray keepalive bytes
			// outside a frame are not otherwise detectable).
			inFrame = true
			payload = payload[:0]

		case b == endBlock:
			if !inFrame {
				continue
			}
			// The trailing CR is part of the sentinel, not the payload.
			if next, err := c.r.ReadByte(); err != nil {
				return nil, ErrReconnectNeeded
			} else if next != carriageR {
				log.Warnf("mllp: end sentinel from %s not followed by CR", c.addr)
			}
			frame := make([]byte, len(payload))
			copy(frame, payload)
			return frame, nil

		case inFrame:
			payload = append(payload, b)

			// default: bytes outside a frame (e.g. stray keepalives) are
			// discarded per the framing rules.
		}
	}
}

// SendAck writes ackBytes, wrapped in MLLP framing, back to the peer. A
// write failure means the connection is no longer usable; the caller
// should treat the next ReadFrame's ErrReconnectNeeded as expected.
func (c *Conn) SendAck(ackBytes []byte) error {
	framed := make([]byte, 0, len(ackBytes)+3)
	framed = append(framed, startBlock)
	framed = append(framed, ackBytes...)
	framed = append(framed, endBlock, carriageR)

	if _, err := c.nc.Write(framed); err != nil {
		return fmt.Errorf("mllp: send ack to %s: %w", c.addr, err)
	}
	return nil
}
