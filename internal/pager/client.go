// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pager dispatches best-effort pages to the on-call endpoint.
package pager

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Client pages an endpoint over HTTP, rate-limited and with a hard
// per-call timeout. A page is always best-effort: its outcome never
// propagates back as a reason to withhold an HL7 acknowledgement.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

// New builds a Client targeting endpoint ("host:port"). The limiter
// defaults to 5 pages/second with a burst of 5, enough headroom for a
// cluster of simultaneous alerts without flooding the on-call system.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
	}
}

// Page posts mrn as plain text to the pager endpoint. Any non-2xx
// response or transport error is logged and swallowed; the caller must
// not treat a pager failure as a reason to withhold acknowledgement.
func (c *Client) Page(ctx context.Context, mrn string) {
	if err := c.limiter.Wait(ctx); err != nil {
		log.Warnf("pager: rate limiter: %v", err)
		return
	}

	url := fmt.Sprintf("http://%s/page", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(mrn))
	if err != nil {
		log.Warnf("pager: build request for %s: %v", mrn, err)
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("pager: page %s: %v", mrn, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("pager: page %s: endpoint returned %s", mrn, resp.Status)
		return
	}

	log.Decisionf("pager: paged for %s", mrn)
}
