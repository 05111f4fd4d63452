// Package storage archives document snapshots to S3 once History's
// retained window truncates (spec.md §4.2), replacing the teacher's
// storage/s3.go stub — SaveCanvasState there built an *s3.S3 client but
// never actually called Upload — with a real implementation of both
// directions (save and load latest).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// SnapshotArchiver persists full-text document snapshots to S3, keyed so
// the most recent snapshot for a document can be found without a
// separate index (spec.md §4.2, §10 domain stack).
type SnapshotArchiver struct {
	client *s3.S3
	bucket string
}

// NewSnapshotArchiver constructs a client against the given region and
// bucket, mirroring the teacher's NewS3Client constructor shape.
func NewSnapshotArchiver(region, bucket string) (*SnapshotArchiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	return &SnapshotArchiver{
		client: s3.New(sess),
		bucket: bucket,
	}, nil
}

// SaveSnapshot uploads the document's full text at version, keyed by
// document and version so every historical snapshot remains addressable
// and a "latest" lookup is a prefix listing (spec.md §4.2 "a fresh
// snapshot must be durably emitted before truncation").
func (a *SnapshotArchiver) SaveSnapshot(ctx context.Context, documentID string, version int64, text string) error {
	key := snapshotKey(documentID, version)
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(text)),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return nil
}

// LoadLatestSnapshot fetches the highest-versioned snapshot archived for
// documentID, used by HubRegistry to bootstrap a Hub without replaying
// the entire operation history from version zero (spec.md §4.4).
func (a *SnapshotArchiver) LoadLatestSnapshot(ctx context.Context, documentID string) (string, int64, error) {
	prefix := snapshotPrefix(documentID)
	listOut, err := a.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return "", 0, fmt.Errorf("list snapshots for %s: %w", documentID, err)
	}

	var latestKey string
	var latestVersion int64
	for _, obj := range listOut.Contents {
		v, ok := parseVersionSuffix(prefix, aws.StringValue(obj.Key))
		if ok && v >= latestVersion {
			latestVersion = v
			latestKey = aws.StringValue(obj.Key)
		}
	}
	if latestKey == "" {
		return "", 0, fmt.Errorf("no snapshot found for %s", documentID)
	}

	getOut, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(latestKey),
	})
	if err != nil {
		return "", 0, fmt.Errorf("fetch snapshot %s: %w", latestKey, err)
	}
	defer getOut.Body.Close()

	body, err := io.ReadAll(getOut.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read snapshot %s: %w", latestKey, err)
	}
	return string(body), latestVersion, nil
}

func snapshotPrefix(documentID string) string {
	return fmt.Sprintf("snapshots/%s/", documentID)
}

func snapshotKey(documentID string, version int64) string {
	return fmt.Sprintf("%sv%d-%d", snapshotPrefix(documentID), version, time.Now().UnixNano())
}

// parseVersionSuffix extracts the version number out of a snapshot key of
// the form "snapshots/<doc>/v<version>-<nanos>".
func parseVersionSuffix(prefix, key string) (int64, bool) {
	rest := key[len(prefix):]
	if len(rest) == 0 || rest[0] != 'v' {
		return 0, false
	}
	rest = rest[1:]
	var version int64
	var i int
	for i = 0; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
		version = version*10 + int64(rest[i]-'0')
	}
	if i == 0 {
		return 0, false
	}
	return version, true
}
