package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sitegov/governor/internal/models"
)

// Archiver uploads proposal-action JSON to object storage.
type Archiver interface {
	ArchiveAction(ctx context.Context, action models.ProposalAction) error
}

// S3Archiver writes action envelopes to paths like:
//
//	s3://<bucket>/<prefix>/actions/YYYY/MM/DD/<actionID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) ArchiveAction(ctx context.Context, action models.ProposalAction) error {
	body, err := json.Marshal(actionEnvelope(action))
	if err != nil {
		return fmt.Errorf("marshal action envelope: %w", err)
	}

	day := action.CreatedAt.UTC()
	key := path.Join(a.prefix, "actions", day.Format("2006/01/02"), action.ID.String()+".json")

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload action %s: %w", action.ID, err)
	}
	return nil
}

// actionEnvelope is the wire shape shared by the Kafka stream and the archive.
func actionEnvelope(action models.ProposalAction) map[string]interface{} {
	return map[string]interface{}{
		"id":         action.ID.String(),
		"proposalId": action.ProposalID.String(),
		"kind":       action.Kind,
		"actor":      action.Actor,
		"reason":     action.Reason,
		"metadata":   action.Metadata,
		"ts":         action.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
