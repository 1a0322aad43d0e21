// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package fetch extracts archives stored in S3 while they are downloaded.
// The object body is handed to the extraction as it arrives from the network
// and is never buffered as a whole.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	archive "github.com/hashicorp/go-archive"
	"github.com/pkg/errors"
)

// GetObjectAPI is the part of the S3 client the fetcher needs.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Request describes an archive to fetch and where to extract it.
type Request struct {
	Bucket      string
	Key         string
	Destination string

	// Format of the object. If empty, the format is detected from the content.
	Format archive.Format
}

// Fetcher downloads archives from S3 and extracts them.
type Fetcher struct {
	client GetObjectAPI
}

// New returns a fetcher that uses client to download objects.
func New(client GetObjectAPI) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch streams the object named by req into the extraction configured by cfg.
func (f *Fetcher) Fetch(ctx context.Context, req Request, cfg *archive.Config) error {
	if req.Bucket == "" || req.Key == "" {
		return errors.New("bucket and key are required")
	}
	loc := fmt.Sprintf("s3://%s/%s", req.Bucket, req.Key)

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return errors.Wrapf(err, "get %s", loc)
	}
	defer out.Body.Close()

	if req.Format == "" {
		err = archive.Unpack(ctx, req.Destination, out.Body, cfg)
	} else {
		err = archive.Extract(ctx, req.Format, req.Destination, out.Body, cfg)
	}
	return errors.Wrapf(err, "extract %s", loc)
}

// ParseURL splits an s3://bucket/key URL into bucket and key.
func ParseURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "parse s3 url")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", errors.Errorf("invalid s3 url %q, expected s3://bucket/key", raw)
	}
	return u.Host, key, nil
}

// DestinationFor returns the directory below root an object is extracted to. It
// is named after the base name of the key without its archive suffix.
func DestinationFor(root, key string) string {
	name := path.Base(strings.ReplaceAll(key, `\`, "/"))
	lower := strings.ToLower(name)
	for _, suffix := range []string{".tar.gz", ".tgz", ".zip", ".gz"} {
		if strings.HasSuffix(lower, suffix) && len(name) > len(suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	if !filepath.IsLocal(name) {
		name = "archive"
	}
	return filepath.Join(root, name)
}
