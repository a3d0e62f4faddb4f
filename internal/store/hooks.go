// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"time"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

type sqlTimingKey struct{}

// queryLatencyHook satisfies sqlhooks.Hooks, logging every query's text
// and elapsed time at Debug level. This is the concretization of the
// "--debug enables latency ... logging sinks" CLI contract.
type queryLatencyHook struct{}

func (h *queryLatencyHook) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("store: query %s %q", query, args)
	return context.WithValue(ctx, sqlTimingKey{}, time.Now()), nil
}

func (h *queryLatencyHook) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(sqlTimingKey{}).(time.Time); ok {
		log.Debugf("store: took %s", time.Since(begin))
	}
	return ctx, nil
}
