package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// User-metadata keys, in the canonical header form StatObject returns them.
const (
	metaPatientID  = "Patient-Id"
	metaDocumentID = "Document-Id"
	metaHash       = "Sha256"
	metaCreatedAt  = "Created-At"
)

// MinioConfig holds connection settings for MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore stores artifacts as objects in a single bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinioStore connects to MinIO and creates the bucket if it is missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger zerolog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return nil, errors.Wrapf(err, "failed to create bucket %s", cfg.Bucket)
			}
		}
		logger.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

func (s *MinioStore) Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	if meta.Key == "" {
		return nil, ErrMissingKey
	}
	data, err := readLimited(&meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, s.bucket, meta.Key, bytes.NewReader(data), meta.Size, minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: userMetadata(meta),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to put object %s", meta.Key)
	}
	s.logger.Debug().Str("key", meta.Key).Int64("size", meta.Size).Msg("artifact stored")

	out := meta
	return &out, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, *Metadata, error) {
	meta, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to get object %s", key)
	}
	return obj, meta, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (*Metadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, ErrBlobNotFound
		}
		return nil, errors.Wrapf(err, "failed to stat object %s", key)
	}
	return metadataFrom(info), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "failed to remove object %s", key)
	}
	return nil
}

func userMetadata(m Metadata) map[string]string {
	return map[string]string{
		metaPatientID:  m.PatientID,
		metaDocumentID: m.DocumentID,
		metaHash:       m.Hash,
		metaCreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func metadataFrom(info minio.ObjectInfo) *Metadata {
	m := &Metadata{
		Key:         info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		PatientID:   info.UserMetadata[metaPatientID],
		DocumentID:  info.UserMetadata[metaDocumentID],
		Hash:        info.UserMetadata[metaHash],
		CreatedAt:   info.LastModified,
	}
	if ts, err := time.Parse(time.RFC3339Nano, info.UserMetadata[metaCreatedAt]); err == nil {
		m.CreatedAt = ts
	}
	return m
}
