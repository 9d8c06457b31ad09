// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kraklabs/acat/pkg/catalog"
)

// S3Config configures an S3-compatible object store.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Excludes  []string
}

// S3Provider lists a bucket prefix as a source tree. Object content is only
// downloaded when an entry is opened.
type S3Provider struct {
	client   *minio.Client
	excluder *Excluder
	logger   *slog.Logger
}

// NewS3Provider builds a minio client for cfg.
func NewS3Provider(cfg S3Config, logger *slog.Logger) (*S3Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	opts := &minio.Options{Secure: cfg.UseSSL, Region: region}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts.Creds = credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	x, err := NewExcluder(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &S3Provider{client: client, excluder: x, logger: logger}, nil
}

// ParseS3URI splits s3://bucket/prefix. The returned prefix is empty or ends
// with a slash.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri %q has no bucket", uri)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// IsS3URI reports whether uri names an object store source.
func IsS3URI(uri string) bool { return strings.HasPrefix(uri, "s3://") }

// Fetch lists every object under the prefix of ref.URI.
func (p *S3Provider) Fetch(ctx context.Context, ref SourceRef) (*Tree, error) {
	bucket, prefix, err := ParseS3URI(ref.URI)
	if err != nil {
		return nil, &catalog.FetchError{Kind: catalog.FetchNotFound, Path: ref.URI, Err: err}
	}

	var entries []Entry
	skips := make(map[string]int)
	objects := p.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			if ctx.Err() != nil {
				return nil, catalog.Cancelled(ctx.Err())
			}
			return nil, s3FetchError(ref.URI, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if p.excluder.Match(rel, false) || excludedAncestor(p.excluder, rel) {
			skips[SkipExcluded]++
			continue
		}
		entries = append(entries, Entry{
			Path:    rel,
			Size:    obj.Size,
			ModTime: obj.LastModified,
			Open:    p.opener(bucket, obj.Key),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, catalog.Cancelled(err)
	}

	t, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("build tree: %w", err)
	}
	t.SkipReasons = skips
	p.logger.Debug("tree.s3.fetched", "source_id", ref.ID, "bucket", bucket, "prefix", prefix, "files", t.Len())
	return t, nil
}

func (p *S3Provider) opener(bucket, key string) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		obj, err := p.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, s3FetchError(key, err)
		}
		// GetObject is lazy; Stat surfaces missing keys and auth failures.
		if _, err := obj.Stat(); err != nil {
			_ = obj.Close()
			return nil, s3FetchError(key, err)
		}
		return obj, nil
	}
}

// excludedAncestor applies directory patterns such as ".git/**" to every
// ancestor of rel, matching what a filesystem walk would prune.
func excludedAncestor(x *Excluder, rel string) bool {
	for dir := parentDir(rel); dir != ""; dir = parentDir(dir) {
		if x.Match(dir, true) {
			return true
		}
	}
	return false
}

// s3FetchError maps S3 error codes onto fetch error kinds.
func s3FetchError(p string, err error) error {
	resp := minio.ToErrorResponse(err)
	kind := catalog.FetchUnavailable
	switch {
	case resp.Code == "NoSuchBucket" || resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		kind = catalog.FetchNotFound
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch" ||
		resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		kind = catalog.FetchUnauthorized
	case resp.Code == "SlowDown" || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		kind = catalog.FetchRateLimited
	}
	var fe *catalog.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &catalog.FetchError{Kind: kind, Path: p, Err: err}
}
