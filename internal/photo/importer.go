package photo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/security"
)

// URLValidator は取り込み先URLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Importer は外部URLの画像をSSRF対策済みのクライアントで取得する。
// Googleアカウントのプロフィール画像を自前のストレージに保存し直すのに使う。
type Importer struct {
	validator URLValidator
	client    *http.Client
	maxSize   int64
}

// NewImporter はImporterを生成する。
func NewImporter(guard security.SSRFGuard, timeout time.Duration, maxSize int64) *Importer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Importer{
		validator: guard,
		client:    guard.NewSafeClient(timeout),
		maxSize:   maxSize,
	}
}

// Import はrawURLの画像を取得する。
// URLが許可されない、画像でない、サイズ超過の場合はINVALID_PHOTOを返す。
func (i *Importer) Import(ctx context.Context, rawURL string) (*Blob, error) {
	if err := i.validator.ValidateURL(rawURL); err != nil {
		return nil, model.NewInvalidPhotoError("the photo URL is not allowed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewInvalidPhotoError("the photo URL is malformed")
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp")

	resp, err := i.client.Do(req)
	if err != nil {
		slog.Warn("failed to fetch remote photo",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", model.NewNetworkError(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewInvalidPhotoError(fmt.Sprintf("the server answered %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.NewNetworkError(), err)
	}
	if int64(len(data)) > i.maxSize {
		return nil, model.NewInvalidPhotoError("the file is too large")
	}

	contentType := http.DetectContentType(data)
	if _, ok := allowedTypes[contentType]; !ok {
		return nil, model.NewInvalidPhotoError(fmt.Sprintf("unsupported type %s", contentType))
	}
	return &Blob{Data: data, ContentType: contentType}, nil
}
