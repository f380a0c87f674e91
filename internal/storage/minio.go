package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig はS3互換ストレージの接続設定。
type MinioConfig struct {
	Endpoint      string // スキーム付きも可（http://minio:9000）
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string // 公開URLのベース。バケット名まで含む
}

// MinioStore はminio-goによるObjectStoreの実装。
type MinioStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewMinioStore はクライアントを生成し、バケットがなければ作成する。
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	endpoint, secure := normalizeEndpoint(cfg.Endpoint)
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Put はオブジェクトをアップロードする。
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// PublicURL は公開URLを返す。
func (s *MinioStore) PublicURL(key string) string {
	return s.publicBaseURL + "/" + key
}

// normalizeEndpoint はスキーム付きのendpointをホスト部分とTLS有無に分ける。
func normalizeEndpoint(endpoint string) (host string, secure bool) {
	secure = strings.HasPrefix(endpoint, "https://")
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Host, u.Scheme == "https"
	}
	return endpoint, secure
}

// compile-time interface check
var _ ObjectStore = (*MinioStore)(nil)
