// Package s3 implements the upload backend for S3 compatible object
// storage.
//
// Containers inside a bucket are virtual: they are prefixes of a
// slash delimited key, so materializing a destination is pure string
// assembly.  Only the bucket itself is ever created, once, through
// the bucket cache.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/lib/bucket"
	"github.com/vaultsync/vaultsync/pacer"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
)

const (
	minSleep        = 10 * time.Millisecond
	maxSleep        = 2 * time.Second
	decayConstant   = 2 // bigger for slower decay, exponential
	lowLevelRetries = 2 // retries inside the SDK, under the pacer's own
)

// Register with the registry
func init() {
	remote.Register(&remote.RegInfo{
		Kind:        remote.KindS3,
		Description: "S3 compatible object storage",
		NewBackend:  NewBackend,
	})
}

// retryErrorCodes is a slice of error codes that we will retry
var retryErrorCodes = []int{
	429, // Too Many Requests
	500, // Internal Server Error - "We encountered an internal error. Please try again."
	503, // Service Unavailable/Slow Down - "Reduce your request rate"
}

// Backend stores uploads in one S3 bucket
type Backend struct {
	name   string // config name of the remote
	bucket string
	region string
	c      *s3.S3
	pacer  *pacer.Pacer
	cache  *bucket.Cache
}

// Check the interface is satisfied
var _ remote.Backend = (*Backend)(nil)

// s3Connection makes an S3 SDK client from the config
func s3Connection(cfg remote.Config) (*s3.S3, error) {
	cred := credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsConfig := aws.NewConfig().
		WithMaxRetries(lowLevelRetries).
		WithCredentials(cred).
		WithHTTPClient(&http.Client{}).
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		WithRegion(region)
	if cfg.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cfg.Endpoint)
	}
	ses, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start aws session")
	}
	return s3.New(ses, awsConfig), nil
}

// NewBackend makes an s3 backend from the config
func NewBackend(ctx context.Context, cfg remote.Config) (remote.Backend, error) {
	c, err := s3Connection(cfg)
	if err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &Backend{
		name:   cfg.Name,
		bucket: cfg.Bucket,
		region: region,
		c:      c,
		pacer:  pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
		cache:  bucket.NewCache(),
	}, nil
}

// Name returns the configured name of the remote
func (f *Backend) Name() string {
	return f.name
}

// Kind returns the kind of the backend
func (f *Backend) Kind() remote.Kind {
	return remote.KindS3
}

// String returns a description of the backend
func (f *Backend) String() string {
	return fmt.Sprintf("S3 bucket %s", f.bucket)
}

// shouldRetry returns a boolean as to whether this err deserves to be
// retried.  It returns the err as a convenience
func (f *Backend) shouldRetry(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, err
	}
	// If this is an awserr object, try and extract more useful information to determine if we should retry
	if awsError, ok := err.(awserr.Error); ok {
		// Simple case, check the original embedded error in case it's generically retryable
		if vault.ShouldRetry(awsError.OrigErr()) {
			return true, err
		}
		// If it is a timeout then we want to retry that
		if awsError.Code() == "RequestTimeout" {
			return true, err
		}
		// Failing that, if it's a RequestFailure it's probably got an http status code we can check
		if reqErr, ok := err.(awserr.RequestFailure); ok {
			for _, e := range retryErrorCodes {
				if reqErr.StatusCode() == e {
					return true, err
				}
			}
		}
	}
	// Ok, not an awserr, check for generic failure conditions
	return vault.ShouldRetry(err), err
}

// translateError maps s3 failures onto the shared sentinels
func translateError(err error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if reqErr, ok := cause.(awserr.RequestFailure); ok {
		switch reqErr.StatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(vault.ErrorPermissionDenied, "s3: %v", reqErr.Code())
		case http.StatusNotFound:
			return errors.Wrapf(vault.ErrorObjectNotFound, "s3: %v", reqErr.Code())
		}
	}
	if awsErr, ok := cause.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
			return errors.Wrapf(vault.ErrorObjectNotFound, "s3: %v", awsErr.Code())
		}
	}
	return err
}

// unWrapAwsError digs the underlying error out of a Serialization or
// RequestError wrapper.  These are synthesized locally in the SDK and
// we'd rather have the underlying error if there is one.
func unWrapAwsError(err error) error {
	if do, ok := err.(awserr.Error); ok && (do.Code() == request.ErrCodeSerialization || do.Code() == request.ErrCodeRequestError) {
		if orig := do.OrigErr(); orig != nil {
			return orig
		}
	}
	return err
}

// objectKey assembles the slash delimited key for the destination
func objectKey(dst remote.Destination) string {
	return bucket.Join(bucket.Join(dst.Dir...), dst.Leaf)
}

// Mkdir materializes the container chain, which for object storage is
// pure key construction with no network calls.
func (f *Backend) Mkdir(ctx context.Context, dir []string) (string, error) {
	return bucket.Join(dir...), nil
}

// bucketExists checks whether the bucket is there and we can reach it
func (f *Backend) bucketExists(ctx context.Context) (bool, error) {
	req := s3.HeadBucketInput{
		Bucket: &f.bucket,
	}
	err := f.pacer.Call(ctx, func() (bool, error) {
		_, err := f.c.HeadBucketWithContext(ctx, &req)
		return f.shouldRetry(ctx, err)
	})
	if err == nil {
		return true, nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		if reqErr.StatusCode() == http.StatusNotFound {
			return false, nil
		}
	}
	return false, translateError(err)
}

// makeBucket creates the bucket if it doesn't exist
func (f *Backend) makeBucket(ctx context.Context) error {
	return f.cache.Create(f.bucket, func() error {
		req := s3.CreateBucketInput{
			Bucket: &f.bucket,
		}
		if f.region != "us-east-1" {
			req.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
				LocationConstraint: &f.region,
			}
		}
		err := f.pacer.Call(ctx, func() (bool, error) {
			_, err := f.c.CreateBucketWithContext(ctx, &req)
			return f.shouldRetry(ctx, err)
		})
		if err == nil {
			vault.Infof(f, "Bucket %q created", f.bucket)
		}
		if awsErr, ok := err.(awserr.Error); ok {
			switch awsErr.Code() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				err = nil
			}
		}
		return translateError(err)
	}, func() (bool, error) {
		return f.bucketExists(ctx)
	})
}

// Put uploads size bytes from in to the destination
func (f *Backend) Put(ctx context.Context, in io.Reader, dst remote.Destination, size int64) (remote.Locator, error) {
	if err := f.makeBucket(ctx); err != nil {
		return "", err
	}
	key := objectKey(dst)
	req := s3.PutObjectInput{
		Bucket:        &f.bucket,
		Key:           &key,
		ContentLength: &size,
		ContentType:   aws.String("application/octet-stream"),
	}
	r, _ := f.c.PutObjectRequest(&req)
	if size == 0 {
		// Can't upload zero length files like this for some reason
		r.Body = bytes.NewReader([]byte{})
	} else {
		r.SetStreamingBody(io.NopCloser(in))
	}
	r.SetContext(ctx)
	r.HTTPRequest.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	// Can't retry the transfer - the body has already been read
	err := f.pacer.CallNoRetry(ctx, func() (bool, error) {
		err := r.Send()
		return f.shouldRetry(ctx, err)
	})
	if err != nil {
		return "", translateError(unWrapAwsError(err))
	}
	return remote.S3Locator(f.bucket, key), nil
}

// Exists reports whether the object at loc is still in its bucket.
// The locator's own bucket is checked, which may differ from the
// configured one if the remote was edited since the upload.
func (f *Backend) Exists(ctx context.Context, loc remote.Locator) (bool, error) {
	locBucket, key, err := remote.ParseS3(loc)
	if err != nil {
		return false, err
	}
	req := s3.HeadObjectInput{
		Bucket: &locBucket,
		Key:    &key,
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		_, err := f.c.HeadObjectWithContext(ctx, &req)
		return f.shouldRetry(ctx, err)
	})
	if err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok {
			if reqErr.StatusCode() == http.StatusNotFound {
				return false, nil
			}
		}
		return false, translateError(err)
	}
	f.cache.MarkOK(locBucket)
	return true, nil
}

// Remove deletes the object at loc
func (f *Backend) Remove(ctx context.Context, loc remote.Locator) error {
	locBucket, key, err := remote.ParseS3(loc)
	if err != nil {
		return err
	}
	req := s3.DeleteObjectInput{
		Bucket: &locBucket,
		Key:    &key,
	}
	err = f.pacer.Call(ctx, func() (bool, error) {
		_, err := f.c.DeleteObjectWithContext(ctx, &req)
		return f.shouldRetry(ctx, err)
	})
	return translateError(err)
}
