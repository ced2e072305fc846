package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3 is a Backend over one S3 bucket. Keys are the blob paths with any
// leading slash stripped; S3 has no directories, so List synthesizes
// file entries from the key listing.
type S3 struct {
	client s3iface.S3API
	bucket string
}

// NewS3 creates an S3 backend using the default credential chain.
func NewS3(bucket string) (*S3, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &S3{client: s3.New(sess), bucket: bucket}, nil
}

// NewS3WithClient creates an S3 backend with an explicit client,
// for tests.
func NewS3WithClient(client s3iface.S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func s3Key(p string) string {
	return strings.TrimPrefix(p, "/")
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return true
	}
	return false
}

// Get fetches one object body.
func (b *S3) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(s3Key(path)),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("s3 get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: read: %w", path, err)
	}
	return data, nil
}

// Put uploads one object.
func (b *S3) Put(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(s3Key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", path, err)
	}
	return nil
}

// Delete removes one object. S3 deletes are idempotent already.
func (b *S3) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(s3Key(path)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", path, err)
	}
	return nil
}

// List pages through keys under dir. An empty listing is reported as
// absence, matching directory semantics on filesystem backends.
func (b *S3) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := s3Key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var entries []Entry
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	err := b.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				key := aws.StringValue(obj.Key)
				rel := strings.TrimPrefix(key, prefix)
				if rel == "" {
					continue
				}
				entries = append(entries, Entry{Path: rel})
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("s3 list %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("s3 list %s: %w", dir, ErrNotFound)
	}
	return entries, nil
}
