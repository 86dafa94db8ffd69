package reliability

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/config"
)

// Uploader pushes backup archives to an S3-compatible bucket. A custom
// endpoint switches on path-style addressing for R2 and MinIO.
type Uploader struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewUploader builds an uploader from the backup upload settings.
func NewUploader(ctx context.Context, cfg config.BackupUploadConfig, log zerolog.Logger) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("component", "backup_uploader").Logger(),
	}, nil
}

// Upload streams one archive into the bucket.
func (u *Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	u.log.Debug().Str("key", key).Msg("Backup uploaded")
	return nil
}

// RemoteBackup describes one archive object in the bucket.
type RemoteBackup struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// List returns archives under the backup prefix newest first. Objects whose
// keys don't parse as backup names are skipped.
func (u *Uploader) List(ctx context.Context) ([]RemoteBackup, error) {
	var backups []RemoteBackup

	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(backupPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list remote backups: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			ts, ok := parseBackupTimestamp(*obj.Key)
			if !ok {
				continue
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			backups = append(backups, RemoteBackup{
				Key:       *obj.Key,
				Timestamp: ts,
				SizeBytes: size,
			})
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Delete removes one archive from the bucket.
func (u *Uploader) Delete(ctx context.Context, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PruneRemote keeps the newest keep archives in the bucket, mirroring the
// local rotation policy.
func (u *Uploader) PruneRemote(ctx context.Context, keep int) error {
	if keep < minBackupsKeep {
		keep = minBackupsKeep
	}

	backups, err := u.List(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}

	for _, old := range backups[keep:] {
		if err := u.Delete(ctx, old.Key); err != nil {
			u.log.Error().Err(err).Str("key", old.Key).Msg("Failed to delete old remote backup")
			continue
		}
		u.log.Debug().Str("key", old.Key).Msg("Old remote backup deleted")
	}
	return nil
}
