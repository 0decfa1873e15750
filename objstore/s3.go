package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/tributary-data/tributary/fault"
)

// S3Store implements Store against one S3 bucket.
type S3Store struct {
	Client s3iface.S3API
	Bucket string
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	var _, err = s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return classifyS3(err, "writing s3://%s/%s", s.Bucket, key)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
			return nil, fault.Wrap(fault.KindDataFormatError, err, "object s3://%s/%s not found", s.Bucket, key)
		}
		return nil, classifyS3(err, "reading s3://%s/%s", s.Bucket, key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientExternal, err, "reading body of s3://%s/%s", s.Bucket, key)
	}
	return body, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	var _, err = s.Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && (ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound") {
			return false, nil
		}
		return false, classifyS3(err, "probing s3://%s/%s", s.Bucket, key)
	}
	return true, nil
}

func classifyS3(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return fault.Wrap(fault.KindTransientExternal, err, format, args...)
		}
	}
	// Unclassified S3 failures retry as transient: the store is remote and
	// the write path is idempotent under keyed objects.
	return fault.Wrap(fault.KindTransientExternal, err, format, args...)
}
