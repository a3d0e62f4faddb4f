// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package alertbus publishes AKI alert events onto a NATS subject, for
// any number of downstream consumers (dashboards, paging aggregators)
// beyond the pipeline's own best-effort pager call. Publishing here is
// additive: its failure never affects HL7 acknowledgement.
package alertbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nhs-aki/aki-pipeline/internal/features"
	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Subject is the NATS subject every alert event is published on.
const Subject = "aki.alerts"

// Event is the payload published for every positive classification.
type Event struct {
	MRN        string          `json:"mrn"`
	ObservedAt time.Time       `json:"observed_at"`
	Features   features.Vector `json:"features"`
}

// Bus wraps a single NATS connection used only for publishing.
type Bus struct {
	conn *nats.Conn
}

// Connect dials address ("nats://host:port"). A connection failure is
// logged and returns a nil *Bus; callers treat a nil Bus as "disabled"
// rather than propagating the error, since the Alert Bus is optional.
func Connect(address string) *Bus {
	if address == "" {
		return nil
	}

	conn, err := nats.Connect(address,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("alertbus: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("alertbus: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warnf("alertbus: connection error: %v", err)
		}),
	)
	if err != nil {
		log.Warnf("alertbus: connect to %s: %v", address, err)
		return nil
	}

	log.Infof("alertbus: connected to %s", address)
	return &Bus{conn: conn}
}

// Publish sends ev on Subject. A nil Bus (not configured, or failed to
// connect at startup) makes this a no-op, matching the "additive, never
// blocking" contract.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("alertbus: marshal event for %s: %v", ev.MRN, err)
		return
	}

	if err := b.conn.Publish(Subject, data); err != nil {
		log.Warnf("alertbus: publish for %s: %v", ev.MRN, err)
		return
	}
	log.Debugf("alertbus: published alert for %s", ev.MRN)
}

// Close flushes and closes the connection. Safe on a nil Bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Flush(); err != nil {
		log.Warnf("alertbus: flush on close: %v", err)
	}
	b.conn.Close()
}
