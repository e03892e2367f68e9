// Package outputarchive stores compiler output of builds in S3-compatible
// object storage.
package outputarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	transport "github.com/aws/smithy-go/endpoints"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrOutputTooLarge = errors.New("output too large")
)

// Archive is what the deployment orchestrator uploads compiler output to.
type Archive interface {
	Upload(ctx context.Context, job *compilejob.CompileJob) error
}

var _ Archive = Nop{}

// Nop discards uploads.
type Nop struct{}

func (Nop) Upload(context.Context, *compilejob.CompileJob) error { return nil }

// Key returns the object key of the job's compiler output.
func Key(job *compilejob.CompileJob) string {
	return path.Join("compile-jobs", job.DirectoryName.String(), "output.log")
}

var _ Archive = (*S3Archive)(nil)

type S3Archive struct {
	client *s3.Client
	bucket string

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int64
}

// NewS3Archive creates a new S3Archive using the provided connection string.
// See NewClient for connection string format and panic conditions.
func NewS3Archive(connectionString string, bucket string) *S3Archive {
	return &S3Archive{
		client:         NewClient(connectionString),
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

func (a *S3Archive) Upload(ctx context.Context, job *compilejob.CompileJob) error {
	uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
		u.PartSize = a.uploadPartSize
	})

	key := Key(job)
	contentType := "text/plain; charset=utf-8"
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        strings.NewReader(job.Output),
		ContentType: &contentType,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooLarge" {
			err = errors.Join(ErrOutputTooLarge, err)
		}
		return fmt.Errorf("outputarchive.S3Archive: %w", err)
	}

	return nil
}

// Download returns the archived compiler output of job.
func (a *S3Archive) Download(ctx context.Context, job *compilejob.CompileJob) (string, error) {
	key := Key(job)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
	})
	if err != nil {
		if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			err = errors.Join(ErrNotFound, err)
		}
		return "", fmt.Errorf("outputarchive.S3Archive: %w", err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err = io.Copy(buf, out.Body); err != nil {
		return "", fmt.Errorf("outputarchive.S3Archive: %w", err)
	}
	return buf.String(), nil
}

// NewClient creates a new Client using the provided connection string.
// The connection string must be a valid URL in the format: http://key:secret@s3:9000.
// For MinIO, the key and secret are the username and password respectively.
// It panics if the connection string is not a valid URL.
func NewClient(connectionString string) *s3.Client {
	u, err := url.Parse(connectionString)
	if err != nil {
		panic(err)
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	return s3.New(
		s3.Options{
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
}

// endpointResolver implements s3.EndpointResolverV2 with path-style
// addressing for S3-compatible storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	u.Path += "/" + *params.Bucket
	return transport.Endpoint{URI: u}, nil
}
