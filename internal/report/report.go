// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package report uploads snapshots of the device layout to an object store.
// Snapshot is the scullseq dump compressed by snappy. It contains the
// structure of the devices only, never their content.
package report

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/scull/internal/scull"
)

// Uploader stores one object under key. Satisfied by s3.S3.
type Uploader interface {
	Upload(ctx context.Context, key string, buf []byte) error
}

// Key returns object key for snapshot taken at t. Keys sort by time, the
// uuid suffix keeps snapshots of concurrently running daemons apart.
func Key(prefix string, t time.Time) string {
	name := fmt.Sprintf("%s-%s.txt.sz", t.UTC().Format("20060102T150405Z"), uuid.New())

	return path.Join(prefix, name)
}

// Publish renders the layout of every device in p and uploads it. Returns
// key of the uploaded object.
func Publish(ctx context.Context, u Uploader, prefix string, p *scull.Pool) (string, error) {
	var dump bytes.Buffer
	if err := p.WriteSeq(ctx, &dump); err != nil {
		return "", fmt.Errorf("rendering layout: %w", err)
	}

	key := Key(prefix, time.Now())
	compressed := snappy.Encode(nil, dump.Bytes())

	if err := u.Upload(ctx, key, compressed); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	log.Info().Str("key", key).Int("raw", dump.Len()).Int("compressed", len(compressed)).Msg("layout snapshot uploaded")

	return key, nil
}

// Decode returns the dump stored in snapshot buf.
func Decode(buf []byte) ([]byte, error) {
	return snappy.Decode(nil, buf)
}
