// Package guard はセッションの有無とメール確認状態でページへのアクセスを制御する。
package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
)

// State はガードの判定結果。
type State int

const (
	// Resolving はProviderが初期状態を解決中であることを示す。
	Resolving State = iota
	// Unauthenticated はセッションがないことを示す。
	Unauthenticated
	// Unverified はセッションはあるがメールアドレスが未確認であることを示す。
	Unverified
	// Authenticated はメール確認済みのセッションがあることを示す。
	Authenticated
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Unauthenticated:
		return "unauthenticated"
	case Unverified:
		return "unverified"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Evaluate は読み込み中フラグとセッションから状態を判定する。
func Evaluate(loading bool, user *model.AuthUser) State {
	switch {
	case loading:
		return Resolving
	case user == nil:
		return Unauthenticated
	case !user.EmailVerified:
		return Unverified
	default:
		return Authenticated
	}
}

// SessionSource はガードが参照するセッション状態。
// account.Providerが実装する。
type SessionSource interface {
	Loading() bool
	Ready() <-chan struct{}
	Session() *model.AuthUser
}

// Resolve はsrcが初期状態を解決するまで最大wait待ってから状態を判定する。
// srcがnilの場合はUnauthenticatedを返す。
func Resolve(ctx context.Context, src SessionSource, wait time.Duration) State {
	if src == nil {
		return Unauthenticated
	}
	if src.Loading() && wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-src.Ready():
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return Evaluate(src.Loading(), src.Session())
}

// Pages はガードが表示するページ。
type Pages interface {
	// Loading は解決中に表示する読み込みページ。自動で再読み込みする。
	Loading(w http.ResponseWriter, r *http.Request)
	// VerificationRequired はメール未確認ユーザーに表示する案内ページ。
	VerificationRequired(w http.ResponseWriter, r *http.Request)
}

// LoginPath は未ログイン時のリダイレクト先。
const LoginPath = "/login"

// Guard はページとAPIのガードミドルウェアを提供する。
type Guard struct {
	wait   time.Duration
	pages  Pages
	source func(r *http.Request) SessionSource
}

// New はGuardを生成する。waitはProviderの解決を待つ上限。
func New(wait time.Duration, pages Pages) *Guard {
	return &Guard{wait: wait, pages: pages, source: providerSource}
}

func providerSource(r *http.Request) SessionSource {
	p := middleware.ProviderFromContext(r.Context())
	if p == nil {
		return nil
	}
	return p
}

// Page はHTMLページ用のガードミドルウェアを返す。
// 遷移は自動で再試行しない。解決中の読み込みページだけが再読み込みする。
func (g *Guard) Page(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch Resolve(r.Context(), g.source(r), g.wait) {
		case Resolving:
			w.Header().Set("Cache-Control", "no-store")
			g.pages.Loading(w, r)
		case Unauthenticated:
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		case Unverified:
			w.Header().Set("Cache-Control", "no-store")
			g.pages.VerificationRequired(w, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// API はJSON API用のガードミドルウェアを返す。
func (g *Guard) API(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch Resolve(r.Context(), g.source(r), g.wait) {
		case Resolving:
			w.Header().Set("Retry-After", "1")
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
				Code:     "SESSION_RESOLVING",
				Message:  "Your session is still loading.",
				Category: "system",
				Action:   "Please retry in a moment.",
			})
		case Unauthenticated:
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		case Unverified:
			middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewUnverifiedEmailError())
		default:
			next.ServeHTTP(w, r)
		}
	})
}
