// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classifier loads the pre-fitted decision-tree model artefact
// and evaluates it against a derived feature vector.
package classifier

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchemaFile(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Host + u.Path)
}

// The loader is keyed by the lower-case scheme because url.Parse, which
// the schema library uses to pick a loader, lower-cases the scheme.
func init() {
	jsonschema.Loaders["embedfs"] = loadSchemaFile
}

// rawNode is the wire format of one tree node, shared by internal
// (split) nodes and leaves: a split carries feature/expr/positive/
// negative, a leaf carries only label.
type rawNode struct {
	Feature  string   `json:"feature,omitempty"`
	Expr     string   `json:"expr,omitempty"`
	Positive *rawNode `json:"positive,omitempty"`
	Negative *rawNode `json:"negative,omitempty"`
	Label    string   `json:"label,omitempty"`
}

// Label is the classifier's output domain.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
)

// validateModel checks raw against the embedded JSON schema before it is
// compiled, so a malformed artefact fails fast at startup with a clear
// error instead of surfacing as a confusing compile or evaluation error.
func validateModel(raw []byte) error {
	schema, err := jsonschema.Compile("embedFS://schemas/model.schema.json")
	if err != nil {
		return fmt.Errorf("classifier: compile schema: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("classifier: decode model artefact: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("classifier: model artefact failed schema validation: %w", err)
	}
	return nil
}

// LoadFromFile reads, validates, and compiles the model artefact at path.
func LoadFromFile(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read model %s: %w", path, err)
	}
	return Load(raw)
}

// Load validates and compiles a model artefact from raw JSON bytes.
func Load(raw []byte) (*Model, error) {
	if err := validateModel(raw); err != nil {
		return nil, err
	}

	var root rawNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("classifier: decode model artefact: %w", err)
	}

	node, err := compileNode(&root)
	if err != nil {
		return nil, err
	}
	return &Model{root: node}, nil
}
