// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/mood"
	"github.com/hitoshi/kokoro/internal/photo"
)

// MoodServiceInterface は気分記録ハンドラーが必要とするサービスインターフェース。
type MoodServiceInterface interface {
	Submit(ctx context.Context, uid string, mood int, date string) (*model.MoodEntry, error)
	History(ctx context.Context, uid string) ([]model.MoodEntry, error)
	SubscribeHistory(ctx context.Context, uid string) (*mood.HistorySubscription, error)
}

// PhotoUploader は画像を保存して公開URLを返す。photo.Uploaderが実装する。
type PhotoUploader interface {
	Upload(ctx context.Context, blob *photo.Blob, identifier string) (string, error)
	MaxSize() int64
}

// PhotoCapturer はカメラから静止画を撮影する。photo.Capturerが実装する。
type PhotoCapturer interface {
	Enabled() bool
	Capture(ctx context.Context) *photo.Blob
}

// PhotoImporter は外部URLの画像を取得する。photo.Importerが実装する。
type PhotoImporter interface {
	Import(ctx context.Context, rawURL string) (*photo.Blob, error)
}

// compile-time interface check
var (
	_ MoodServiceInterface = (*mood.Service)(nil)
	_ PhotoUploader        = (*photo.Uploader)(nil)
	_ PhotoCapturer        = (*photo.Capturer)(nil)
	_ PhotoImporter        = (*photo.Importer)(nil)
)

// errNoProvider はクライアントミドルウェアを通過していないリクエストを表す。
var errNoProvider = errors.New("provider not found in context")

// providerFrom はリクエストのProviderを返す。
func providerFrom(r *http.Request) (*account.Provider, error) {
	p := middleware.ProviderFromContext(r.Context())
	if p == nil {
		return nil, errNoProvider
	}
	return p, nil
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// errorMessage は画面に表示するエラーメッセージを返す。
func errorMessage(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return model.NewNetworkError().Message
}

// invalidRequestBody はJSONボディの解析に失敗したときのエラー。
func invalidRequestBody() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "The request body could not be parsed.",
		Category: "validation",
		Action:   "Send a valid JSON body.",
	}
}

// maxJSONBody はJSON APIのリクエストボディの上限。
const maxJSONBody = 64 << 10

// readJSON はボディをmaxJSONBodyまで読み込んでvにデコードする。
// 解析できない場合はエラーレスポンスを書き込みfalseを返す。
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyTooLarge(w)
			return false
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestBody())
		return false
	}
	return true
}

// parseOptionalInt はフォームの任意の整数項目を解析する。空の場合はnil。
func parseOptionalInt(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// formFileBlob はmultipartフォームのファイル項目を読み込む。
// ファイルが選択されていない場合はnilを返す。
func formFileBlob(r *http.Request, field string, maxSize int64) (*photo.Blob, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if middleware.IsBodyTooLarge(err) {
		return nil, model.NewInvalidPhotoError("the file is too large")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read form file %s: %w", field, err)
	}
	defer file.Close()

	if header.Size == 0 && header.Filename == "" {
		return nil, nil
	}
	return readBlob(file, header, maxSize)
}

// readBlob はファイルを最大maxSize+1バイトまで読み込む。
func readBlob(file multipart.File, header *multipart.FileHeader, maxSize int64) (*photo.Blob, error) {
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded photo: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	// 上限を1バイト超えて読み、サイズ超過の判定はUploaderに任せる
	return &photo.Blob{Data: data, ContentType: header.Header.Get("Content-Type")}, nil
}
