package middleware

import (
	"errors"
	"net/http"

	"github.com/hitoshi/kokoro/internal/model"
)

// DefaultMaxBodyBytes はNewBodyLimitMiddlewareに0以下を渡したときの上限。
const DefaultMaxBodyBytes = 6 << 20

// NewBodyLimitMiddleware はリクエストボディをlimitバイトまでに制限するミドルウェアを返す。
// Content-Lengthが上限を超える場合はボディを読まずに413を返す。
// チャンク転送などで長さが不明な場合は読み取り時にhttp.MaxBytesErrorになる。
func NewBodyLimitMiddleware(limit int64) func(next http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				WriteBodyTooLarge(w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyTooLarge はerrがボディ上限超過によるものかを判定する。
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// WriteBodyTooLarge は413 Payload Too Largeレスポンスを書き込む。
func WriteBodyTooLarge(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	WriteErrorResponse(w, http.StatusRequestEntityTooLarge, &model.APIError{
		Code:     "PAYLOAD_TOO_LARGE",
		Message:  "The request body is too large.",
		Category: "validation",
		Action:   "Choose a smaller photo and try again.",
	})
}
