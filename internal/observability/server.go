// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package observability hosts the pipeline's debug HTTP surface: a
// Prometheus metrics endpoint and a liveness probe. It only listens
// when the process is started with --debug.
package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aki_pipeline",
		Name:      "messages_total",
		Help:      "HL7 messages processed, by category and outcome.",
	}, []string{"category", "outcome"})

	ClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aki_pipeline",
		Name:      "classifications_total",
		Help:      "Classifier verdicts, by label.",
	}, []string{"label"})

	PagerCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aki_pipeline",
		Name:      "pager_call_duration_seconds",
		Help:      "Latency of outbound pager HTTP calls.",
	})
)

// Server is the debug HTTP server: /metrics and /healthz.
type Server struct {
	httpServer *http.Server
}

// New builds the server bound to addr, not yet listening.
func New(addr string) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	logged := handlers.CustomLoggingHandler(io.Discard, router, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("observability: %s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(), params.StatusCode,
			time.Since(params.TimeStamp).Milliseconds())
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      logged,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Start listens and serves in the background. Bind failures are fatal:
// the operator asked for --debug and the observability server must
// actually come up.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !strings.Contains(err.Error(), "Server closed") {
			log.Errorf("observability: serve: %v", err)
		}
	}()

	log.Infof("observability: listening on %s", s.httpServer.Addr)
	return nil
}

// Shutdown gracefully stops the server, flushing in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
