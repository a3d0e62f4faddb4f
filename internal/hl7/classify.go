// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hl7

import (
	"fmt"
	"strconv"
	"time"
)

// PASAdmit is an admission event: a new patient with demographics.
type PASAdmit struct {
	MRN string
	Age int
	Sex byte
}

// PASDischarge is a discharge event: only the MRN, no demographics.
type PASDischarge struct {
	MRN string
}

// LIMSResult is a lab result event: a creatinine value for a known MRN.
type LIMSResult struct {
	MRN        string
	ObservedAt time.Time
	Result     float64
}

// field positions within their segment, per the upstream feed contract.
const (
	pidMRNField = 3
	pidDOBField = 7
	pidSexField = 8
	obrObsField = 7
	obxValField = 5
)

// dobLayout is the PID-7 date-of-birth wire format, YYYYMMDD.
const dobLayout = "20060102"

// obsLayout is the OBR-7 observation-datetime wire format. HL7 v2 allows
// a precision-truncated timestamp; only the full YYYYMMDDHHMMSS form is
// accepted here since that is the only form the upstream feed emits.
const obsLayout = "20060102150405"

// Classify inspects a parsed Message and returns one of PASAdmit,
// PASDischarge, or LIMSResult. The distinction between PAS-admit and
// PAS-discharge is the field arity of the PID segment; the distinction
// between PAS and LIMS is whether OBR/OBX are present at all. Any
// message that matches none of these shapes, or whose fields don't
// parse, yields a ParseError and must NOT be acknowledged.
func Classify(msg *Message) (interface{}, error) {
	if !msg.Has("PID") {
		return nil, ParseError{Reason: "missing PID segment"}
	}

	mrn := msg.Field("PID", pidMRNField)
	if mrn == "" {
		return nil, ParseError{Reason: "PID segment missing MRN"}
	}

	hasObservation := msg.Has("OBR") || msg.Has("OBX")

	if hasObservation {
		return classifyLIMSResult(msg, mrn)
	}
	return classifyPAS(msg, mrn)
}

func classifyPAS(msg *Message, mrn string) (interface{}, error) {
	pidFields := msg.FieldCount("PID")

	// A discharge carries only the MRN: nothing beyond field 3 is populated.
	if pidFields <= pidMRNField {
		return PASDischarge{MRN: mrn}, nil
	}

	dobRaw := msg.Field("PID", pidDOBField)
	sexRaw := msg.Field("PID", pidSexField)
	if dobRaw == "" || sexRaw == "" {
		return nil, ParseError{Reason: "PID segment has extra fields but no demographics", Segment: rawSegment(msg, "PID")}
	}

	dob, err := time.Parse(dobLayout, dobRaw)
	if err != nil {
		return nil, ParseError{Reason: fmt.Sprintf("invalid date of birth %q: %v", dobRaw, err), Segment: rawSegment(msg, "PID")}
	}

	return PASAdmit{
		MRN: mrn,
		Age: civilAge(dob, time.Now()),
		Sex: sexRaw[0],
	}, nil
}

func classifyLIMSResult(msg *Message, mrn string) (interface{}, error) {
	if !msg.Has("OBR") || !msg.Has("OBX") {
		return nil, ParseError{Reason: "lab result missing OBR or OBX segment"}
	}

	obsRaw := msg.Field("OBR", obrObsField)
	observedAt, err := time.Parse(obsLayout, obsRaw)
	if err != nil {
		return nil, ParseError{Reason: fmt.Sprintf("invalid observation datetime %q: %v", obsRaw, err), Segment: rawSegment(msg, "OBR")}
	}

	valRaw := msg.Field("OBX", obxValField)
	result, err := strconv.ParseFloat(valRaw, 64)
	if err != nil {
		return nil, ParseError{Reason: fmt.Sprintf("invalid creatinine value %q: %v", valRaw, err), Segment: rawSegment(msg, "OBX")}
	}

	return LIMSResult{MRN: mrn, ObservedAt: observedAt, Result: result}, nil
}

// civilAge computes ordinary civil age: years between birth and now,
// minus one if this year's birthday hasn't occurred yet.
func civilAge(dob, now time.Time) int {
	age := now.Year() - dob.Year()
	birthdayPassed := now.Month() > dob.Month() ||
		(now.Month() == dob.Month() && now.Day() >= dob.Day())
	if !birthdayPassed {
		age--
	}
	return age
}

func rawSegment(msg *Message, id string) string {
	for _, s := range msg.Segments {
		if s.ID == id {
			raw := id
			for _, f := range s.Fields[1:] {
				raw += "|" + f
			}
			if len(raw) > 200 {
				raw = raw[:200] + "..."
			}
			return raw
		}
	}
	return ""
}

// ParseError is returned for a message that decodes into well-formed
// segments but does not match any known PAS/LIMS shape. The triggering
// message must not be acknowledged.
type ParseError struct {
	Reason  string
	Segment string
}

func (e ParseError) Error() string {
	if e.Segment == "" {
		return "hl7: " + e.Reason
	}
	return fmt.Sprintf("hl7: %s (%s)", e.Reason, e.Segment)
}
