package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
)

// objectPutter is the subset of the S3 client used here.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// mediaPayload is the payload shape of media records.
type mediaPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

// MediaSubmitter uploads media records to an S3-compatible bucket.
type MediaSubmitter struct {
	s3     objectPutter
	bucket string
}

// NewMediaSubmitter builds an S3 client for the configured provider.
func NewMediaSubmitter(ctx context.Context, cfg MediaConfig) (*MediaSubmitter, error) {
	settings, err := cfg.resolve()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "media storage", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(settings.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if settings.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(settings.BaseEndpoint)
		}
		o.UsePathStyle = settings.PathStyle
	})
	return &MediaSubmitter{s3: client, bucket: cfg.Bucket}, nil
}

// ObjectKey is where a media record is stored. It depends only on the record,
// so a replayed upload lands on the same key.
func ObjectKey(req SubmitRequest, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload.bin"
	}
	return path.Join("media", keySegment(req.OwnerKey, "_"), keySegment(req.LocalID.String(), "_"), name)
}

// keySegment makes s a single path element so it cannot climb out of the
// media prefix.
func keySegment(s, fallback string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}

// Submit implements Submitter.
func (m *MediaSubmitter) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	var p mediaPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return Transientf("decode media payload: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return Transientf("decode media data: %v", err)
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := ObjectKey(req, p.Filename)
	_, err = m.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"client-ref": req.LocalID.String(),
			"owner":      req.OwnerKey,
		},
	})
	if err == nil {
		return Accepted(key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		// The key embeds the local id, so only an earlier attempt of this
		// record can have written it.
		return Accepted(key)
	}
	return Transientf("upload %s: %v", key, err)
}
