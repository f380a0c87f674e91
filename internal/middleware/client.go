// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/kokoro/internal/account"
)

const (
	// ClientCookieName はブラウザを識別するCookieの名前。
	ClientCookieName = "client_id"
	// SessionCookieName はセッショントークンを保持するCookieの名前。
	SessionCookieName = "session_id"

	clientCookieMaxAge = 365 * 24 * 60 * 60
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	providerContextKey = contextKey("provider")
	clientIDContextKey = contextKey("client_id")
)

// ProviderSource はクライアントIDに対応するProviderを返す。
// account.Registryが実装する。
type ProviderSource interface {
	Provider(clientID, token string) *account.Provider
}

// CookieConfig はCookieの属性設定。
type CookieConfig struct {
	Secure        bool
	Domain        string
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// NewClientMiddleware はブラウザごとのProviderをリクエストコンテキストに注入する
// ミドルウェアを返す。client_id Cookieがない場合は新しく発行する。
// Providerが未ログインのままsession_id Cookieだけが残っている場合は
// Cookieを削除する。
func NewClientMiddleware(source ProviderSource, config CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if c, err := r.Cookie(ClientCookieName); err == nil && c.Value != "" {
				clientID = c.Value
			} else {
				id, err := generateClientID()
				if err != nil {
					slog.Error("failed to generate client id", slog.String("error", err.Error()))
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				clientID = id
				http.SetCookie(w, &http.Cookie{
					Name:     ClientCookieName,
					Value:    clientID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   clientCookieMaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			token := ""
			if c, err := r.Cookie(SessionCookieName); err == nil {
				token = c.Value
			}

			provider := source.Provider(clientID, token)
			if token != "" && !provider.Loading() && provider.Token() == "" {
				ClearSessionCookie(w, config)
			}

			ctx := context.WithValue(r.Context(), clientIDContextKey, clientID)
			ctx = context.WithValue(ctx, providerContextKey, provider)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProviderFromContext はリクエストコンテキストからProviderを取得する。
// クライアントミドルウェアを通過していない場合はnilを返す。
func ProviderFromContext(ctx context.Context) *account.Provider {
	p, _ := ctx.Value(providerContextKey).(*account.Provider)
	return p
}

// ContextWithProvider はコンテキストにProviderを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithProvider(ctx context.Context, p *account.Provider) context.Context {
	return context.WithValue(ctx, providerContextKey, p)
}

// ClientIDFromContext はリクエストコンテキストからクライアントIDを取得する。
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDContextKey).(string)
	return id
}

// UserIDFromContext はログイン中のユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p := ProviderFromContext(ctx)
	if p == nil {
		return "", fmt.Errorf("provider not found in context")
	}
	user := p.Session()
	if user == nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// SyncSessionCookie はsession_id CookieをProviderのトークンに合わせる。
// 認証操作の後にハンドラーから呼ぶ。
func SyncSessionCookie(w http.ResponseWriter, r *http.Request, p *account.Provider, config CookieConfig) {
	current := ""
	if c, err := r.Cookie(SessionCookieName); err == nil {
		current = c.Value
	}

	token := p.Token()
	switch {
	case token == current:
		return
	case token == "":
		ClearSessionCookie(w, config)
	default:
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    token,
			Path:     "/",
			Domain:   config.Domain,
			MaxAge:   config.SessionMaxAge,
			HttpOnly: true,
			Secure:   config.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// ClearSessionCookie はsession_id Cookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func generateClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
