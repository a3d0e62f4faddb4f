// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package features turns a creatinine observation and a patient's result
// history into the fixed feature vector the classifier was trained on.
package features

import (
	"sort"
	"time"

	"github.com/nhs-aki/aki-pipeline/internal/store"
)

// Vector is the 9-field feature vector, in the exact column order the
// classifier's training pipeline used.
type Vector struct {
	Age             int
	SexEncoded      int
	C1              float64
	RV1             float64
	RV1Ratio        float64
	RV2             float64
	RV2Ratio        float64
	ChangeWithin48h bool
	D               float64
}

// sexEncoding maps the upstream PID-8 sex field to the label domain the
// model was trained with. This mapping is fixed by the training data,
// not by this pipeline's own conventions.
var sexEncoding = map[byte]int{
	'M': 1,
	'm': 1,
	'F': 0,
	'f': 0,
}

// EncodeSex maps a raw PID-8 sex byte to the model's training encoding.
// Unknown codes encode as 0, the majority class in the training data.
func EncodeSex(sex byte) int {
	if v, ok := sexEncoding[sex]; ok {
		return v
	}
	return 0
}

// Derive computes the feature vector for a new creatinine observation
// C1 taken at time t, given the patient's age/sex and prior results.
// history must exclude nothing in advance; Derive itself excludes any
// entry identical to the incoming (t, C1) tuple to prevent the event
// from interfering with its own feature computation.
func Derive(age, sexEncoded int, c1 float64, t time.Time, history []store.Result) Vector {
	filtered := make([]store.Result, 0, len(history))
	for _, h := range history {
		if h.Date.Equal(t) && h.Result == c1 {
			continue
		}
		filtered = append(filtered, h)
	}

	rv1 := rv1Window(filtered, t)
	rv2 := rv2Window(filtered, t)
	changed, d := window48h(filtered, t, c1)

	return Vector{
		Age:             age,
		SexEncoded:      sexEncoded,
		C1:              c1,
		RV1:             rv1,
		RV1Ratio:        ratio(c1, rv1),
		RV2:             rv2,
		RV2Ratio:        ratio(c1, rv2),
		ChangeWithin48h: changed,
		D:               d,
	}
}

// rv1Window returns the minimum result with T-7d < date <= T, half-open
// on the older end, closed at T. 0 if no entry qualifies.
func rv1Window(history []store.Result, t time.Time) float64 {
	lower := t.Add(-7 * 24 * time.Hour)
	min := 0.0
	found := false
	for _, h := range history {
		if h.Date.After(lower) && !h.Date.After(t) {
			if !found || h.Result < min {
				min = h.Result
				found = true
			}
		}
	}
	if !found {
		return 0
	}
	return min
}

// rv2Window returns the median result with T-365d <= date <= T-7d,
// closed on both ends. 0 if no entry qualifies.
func rv2Window(history []store.Result, t time.Time) float64 {
	lower := t.Add(-365 * 24 * time.Hour)
	upper := t.Add(-7 * 24 * time.Hour)

	var values []float64
	for _, h := range history {
		if !h.Date.Before(lower) && !h.Date.After(upper) {
			values = append(values, h.Result)
		}
	}
	if len(values) == 0 {
		return 0
	}
	return median(values)
}

// window48h reports whether more than one history entry (after the
// self-exclusion already applied by Derive) is dated at or after T-48h
// (there is no upper bound at T), and the drop from the minimum such
// result to c1 when it does.
func window48h(history []store.Result, t time.Time, c1 float64) (bool, float64) {
	lower := t.Add(-48 * time.Hour)

	count := 0
	min := 0.0
	found := false
	for _, h := range history {
		if !h.Date.Before(lower) {
			count++
			if !found || h.Result < min {
				min = h.Result
				found = true
			}
		}
	}

	if count <= 1 {
		return false, 0
	}
	return true, c1 - min
}

func ratio(c1, rv float64) float64 {
	if c1 == 0 || rv == 0 {
		return 0
	}
	return c1 / rv
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
