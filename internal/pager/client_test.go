// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagePostsMRNAsPlainText(t *testing.T) {
	var gotBody, gotContentType, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(strings.TrimPrefix(server.URL, "http://"))
	c.Page(context.Background(), "31251122")

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "text/plain", gotContentType)
	assert.Equal(t, "31251122", gotBody)
}

func TestPageSwallowsNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(strings.TrimPrefix(server.URL, "http://"))
	assert.NotPanics(t, func() { c.Page(context.Background(), "31251122") })
}

func TestPageSwallowsTransportError(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listening
	assert.NotPanics(t, func() { c.Page(context.Background(), "31251122") })
}

func TestPageRespectsCancelledContext(t *testing.T) {
	c := New("127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NotPanics(t, func() { c.Page(ctx, "31251122") })
}
