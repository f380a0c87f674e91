package photo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/hitoshi/kokoro/internal/metrics"
	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/storage"
)

// 既定の制限値。
const (
	DefaultMaxSize      = 5 << 20
	DefaultMaxDimension = 1024
	jpegQuality         = 85
)

// Blob はアップロード可能な画像データ。
type Blob struct {
	Data        []byte
	ContentType string
}

// allowedTypes は受け付ける画像形式と拡張子。
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Uploader は画像を検証・縮小してオブジェクトストレージに保存する。
type Uploader struct {
	store        storage.ObjectStore
	metrics      metrics.MetricsCollector
	maxSize      int64
	maxDimension int
	now          func() time.Time
}

// NewUploader はUploaderを生成する。0以下の制限値は既定値になる。
func NewUploader(store storage.ObjectStore, m metrics.MetricsCollector, maxSize int64, maxDimension int) *Uploader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Uploader{
		store:        store,
		metrics:      m,
		maxSize:      maxSize,
		maxDimension: maxDimension,
		now:          time.Now,
	}
}

// MaxSize はアップロードできる最大バイト数を返す。
func (u *Uploader) MaxSize() int64 {
	return u.maxSize
}

// Upload はblobを保存して公開URLを返す。
// 形式・サイズが不正な場合はINVALID_PHOTO、保存に失敗した場合はUPLOAD_FAILEDを返す。
// 失敗しても再試行しない。
func (u *Uploader) Upload(ctx context.Context, blob *Blob, identifier string) (string, error) {
	contentType, err := u.validate(blob)
	if err != nil {
		return "", err
	}

	data, err := u.downscale(blob.Data, contentType)
	if err != nil {
		return "", model.NewInvalidPhotoError("the image could not be decoded")
	}

	key := ObjectKey(identifier, u.now()) + allowedTypes[contentType]

	start := time.Now()
	err = u.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	u.metrics.RecordUpload(err == nil, time.Since(start))
	if err != nil {
		slog.Error("failed to upload photo",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", model.NewUploadError(), err)
	}

	return u.store.PublicURL(key), nil
}

// validate はサイズと実際のバイト列から判定した形式を検証する。
func (u *Uploader) validate(blob *Blob) (string, error) {
	if blob == nil || len(blob.Data) == 0 {
		return "", model.NewInvalidPhotoError("the file is empty")
	}
	if int64(len(blob.Data)) > u.maxSize {
		return "", model.NewInvalidPhotoError(fmt.Sprintf("the file is larger than %d MB", u.maxSize>>20))
	}
	contentType := http.DetectContentType(blob.Data)
	if _, ok := allowedTypes[contentType]; !ok {
		return "", model.NewInvalidPhotoError(fmt.Sprintf("unsupported type %s", contentType))
	}
	return contentType, nil
}

// downscale は長辺がmaxDimensionを超える画像を縮小する。
// WebPはデコーダーがないためそのまま保存する。
func (u *Uploader) downscale(data []byte, contentType string) ([]byte, error) {
	if contentType == "image/webp" {
		return data, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if cfg.Width <= u.maxDimension && cfg.Height <= u.maxDimension {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	resized := imaging.Fit(img, u.maxDimension, u.maxDimension, imaging.Lanczos)

	format := imaging.JPEG
	if contentType == "image/png" {
		format = imaging.PNG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
