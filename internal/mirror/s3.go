// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of aki-pipeline.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mirror best-effort uploads the store's local snapshot file to
// an S3-compatible bucket after each maintenance-scheduler persist; the
// snapshots written at startup and at shutdown are not mirrored. The local snapshot is
// already durable by the time a mirror upload is attempted, so a mirror
// failure only ever costs off-host redundancy, never correctness.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nhs-aki/aki-pipeline/pkg/log"
)

// Mirror uploads snapshot files to a single configured bucket.
type Mirror struct {
	client *s3.Client
	bucket string
}

// New builds a Mirror against bucket via endpoint ("" for AWS's default
// endpoint resolution, non-empty for an S3-compatible service). Returns
// nil if bucket is empty, the convention this package uses throughout
// for "mirroring not configured".
func New(ctx context.Context, bucket, endpoint string) *Mirror {
	if bucket == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Warnf("mirror: load AWS config: %v, mirroring disabled", err)
		return nil
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = endpoint != ""
	})

	return &Mirror{client: client, bucket: bucket}
}

// Upload reads path and PUTs it to the bucket under its base name
// suffixed with "-" and the upload time in Unix nanoseconds. Any failure
// is logged and swallowed.
func (m *Mirror) Upload(path string) {
	if m == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("mirror: read snapshot %s: %v", path, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := fmt.Sprintf("%s-%d", filepath.Base(path), time.Now().UnixNano())
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		log.Warnf("mirror: put object %q: %v", key, err)
		return
	}
	log.Debugf("mirror: uploaded %s to s3://%s/%s", path, m.bucket, key)
}
