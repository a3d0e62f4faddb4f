// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator runs the sequential read -> parse -> classify ->
// store/compute/alert -> acknowledge loop that ties every other
// component together.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nhs-aki/aki-pipeline/internal/alertbus"
	"github.com/nhs-aki/aki-pipeline/internal/classifier"
	"github.com/nhs-aki/aki-pipeline/internal/features"
	"github.com/nhs-aki/aki-pipeline/internal/hl7"
	"github.com/nhs-aki/aki-pipeline/internal/mllp"
	"github.com/nhs-aki/aki-pipeline/internal/observability"
	"github.com/nhs-aki/aki-pipeline/internal/store"
	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Pager is the subset of *pager.Client the orchestrator depends on, kept
// as an interface so tests can observe call ordering with a fake.
type Pager interface {
	Page(ctx context.Context, mrn string)
}

// Bus is the subset of *alertbus.Bus the orchestrator depends on, kept as
// an interface for the same reason as Pager.
type Bus interface {
	Publish(ev alertbus.Event)
}

// Orchestrator owns every long-lived component and drives the main
// ingestion loop. It is not safe for concurrent use: the loop is
// single-threaded by design, see Run.
type Orchestrator struct {
	addr  string
	store *store.Store
	model *classifier.Model
	pager Pager
	bus   Bus

	conn *mllp.Conn

	shutdown chan struct{}
}

// New builds an Orchestrator. The Wire Layer connection is established
// lazily, on the first iteration of Run.
func New(mllpAddr string, st *store.Store, model *classifier.Model, pagerClient Pager, bus Bus) *Orchestrator {
	return &Orchestrator{
		addr:     mllpAddr,
		store:    st,
		model:    model,
		pager:    pagerClient,
		bus:      bus,
		shutdown: make(chan struct{}),
	}
}

// Shutdown signals Run to stop after the in-flight message, if any,
// finishes processing. Run does not persist; Close does.
func (o *Orchestrator) Shutdown() {
	close(o.shutdown)
}

// Run connects the Wire Layer and processes frames until Shutdown is
// called or an unrecoverable error occurs. It does not persist or close
// anything on return: callers must call Close once any other component
// that shares the store or the socket (scheduler, observability server)
// has itself stopped, so nothing races the shutdown persist.
func (o *Orchestrator) Run() error {
	if err := o.connect(); err != nil {
		return err
	}

	for {
		select {
		case <-o.shutdown:
			return nil
		default:
		}

		payload, err := o.conn.ReadFrame()
		if err != nil {
			log.Warnf("orchestrator: %v, reconnecting", err)
			o.conn.Close()
			for {
				select {
				case <-o.shutdown:
					return nil
				default:
				}
				err := o.connect()
				if err == nil {
					break
				}
				log.Warnf("orchestrator: %v, retrying", err)
			}
			continue
		}

		o.handleFrame(payload)
	}
}

func (o *Orchestrator) connect() error {
	conn, err := mllp.Connect(o.addr)
	if err != nil {
		return fmt.Errorf("orchestrator: connect: %w", err)
	}
	o.conn = conn
	return nil
}

// Close persists the store and closes the Wire Layer connection. Called
// once by main after the maintenance scheduler and observability server
// have already stopped.
func (o *Orchestrator) Close() {
	if err := o.store.Persist(); err != nil {
		log.Errorf("orchestrator: final persist failed: %v", err)
	}
	if o.conn != nil {
		o.conn.Close()
	}
}

// handleFrame parses and dispatches one HL7 payload. A ParseError is
// logged and the frame is dropped without acknowledgement, per the
// "malformed messages are not acknowledged" contract.
func (o *Orchestrator) handleFrame(payload []byte) {
	msg, err := hl7.Parse(payload)
	if err != nil {
		log.Warnf("orchestrator: %v", err)
		observability.MessagesTotal.WithLabelValues("unknown", "parse_error").Inc()
		return
	}

	event, err := hl7.Classify(msg)
	if err != nil {
		log.Warnf("orchestrator: %v", err)
		observability.MessagesTotal.WithLabelValues("unknown", "parse_error").Inc()
		return
	}

	var ok bool
	var category string
	switch e := event.(type) {
	case hl7.PASAdmit:
		category = "pas_admit"
		ok = o.handleAdmit(e)
	case hl7.PASDischarge:
		category = "pas_discharge"
		ok = o.handleDischarge(e)
	case hl7.LIMSResult:
		category = "lims_result"
		ok = o.handleLIMSResult(e)
	}

	if !ok {
		observability.MessagesTotal.WithLabelValues(category, "not_acked").Inc()
		return
	}

	observability.MessagesTotal.WithLabelValues(category, "acked").Inc()
	if err := o.conn.SendAck(buildAck()); err != nil {
		log.Warnf("orchestrator: send ack: %v", err)
	}
}

func (o *Orchestrator) handleAdmit(a hl7.PASAdmit) bool {
	if err := o.store.InsertPatient(a.MRN, a.Age, string(a.Sex)); err != nil {
		log.Errorf("orchestrator: insert patient %s: %v", a.MRN, err)
		return false
	}

	p, err := o.store.GetPatient(a.MRN)
	if err != nil {
		log.Errorf("orchestrator: post-condition read for %s: %v", a.MRN, err)
		return false
	}
	return p != nil
}

func (o *Orchestrator) handleDischarge(d hl7.PASDischarge) bool {
	if err := o.store.Discharge(d.MRN); err != nil {
		log.Errorf("orchestrator: discharge %s: %v", d.MRN, err)
		return false
	}

	p, err := o.store.GetPatient(d.MRN)
	if err != nil {
		log.Errorf("orchestrator: post-condition read for %s: %v", d.MRN, err)
		return false
	}
	return p == nil
}

func (o *Orchestrator) handleLIMSResult(r hl7.LIMSResult) bool {
	patient, err := o.store.GetPatient(r.MRN)
	if err != nil {
		log.Errorf("orchestrator: fetch patient %s: %v", r.MRN, err)
		return false
	}

	if patient != nil {
		history, err := o.store.GetHistory(r.MRN)
		if err != nil {
			log.Errorf("orchestrator: fetch history %s: %v", r.MRN, err)
			return false
		}

		results := make([]store.Result, len(history))
		for i, h := range history {
			results[i] = store.Result{MRN: h.MRN, Date: h.Date, Result: h.Result}
		}

		vec := features.Derive(patient.Age, features.EncodeSex(patient.Sex[0]), r.Result, r.ObservedAt, results)
		label, err := o.model.Predict(vec)
		if err != nil {
			log.Errorf("orchestrator: predict %s: %v", r.MRN, err)
		} else {
			observability.ClassificationsTotal.WithLabelValues(string(label)).Inc()
			log.Decisionf("orchestrator: classified %s as %s", r.MRN, label)

			if label == classifier.Positive {
				start := time.Now()
				o.pager.Page(context.Background(), r.MRN)
				observability.PagerCallDuration.Observe(time.Since(start).Seconds())
				o.bus.Publish(alertbus.Event{MRN: r.MRN, ObservedAt: r.ObservedAt, Features: vec})
			}
		}
	}

	if err := o.store.InsertResult(r.MRN, r.ObservedAt, r.Result); err != nil {
		log.Errorf("orchestrator: insert result %s: %v", r.MRN, err)
		return false
	}

	exists, err := o.store.HasResult(r.MRN, r.ObservedAt)
	if err != nil {
		log.Errorf("orchestrator: post-condition read for %s: %v", r.MRN, err)
		return false
	}
	return exists
}

// buildAck constructs a minimal HL7 application-accept acknowledgement.
func buildAck() []byte {
	ts := time.Now().Format("20060102150405")
	return []byte(fmt.Sprintf("MSH|^~\\&|||||%s||ACK||P|2.5\rMSA|AA|\r", ts))
}
