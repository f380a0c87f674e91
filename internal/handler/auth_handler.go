package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/auth"
	"github.com/hitoshi/kokoro/internal/guard"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
)

// フラッシュキー。
const (
	flashOAuthState = "oauth_state"
	flashSignupForm = "signup_form"
	flashLoginForm  = "login_form"
	flashResetForm  = "reset_form"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// セッションを伴う操作はProvider経由で行い、ここにはリンク経由の操作だけを置く。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	VerifyEmail(ctx context.Context, rawToken string) (*model.User, error)
	ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string) error
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookies   middleware.CookieConfig
	GuardWait time.Duration
}

// AuthHandler はサインアップ・ログインなど認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	uploader PhotoUploader
	capturer PhotoCapturer
	pages    *Renderer
	flash    *middleware.FlashStore
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。capturerはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, uploader PhotoUploader, capturer PhotoCapturer, pages *Renderer, flash *middleware.FlashStore, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		uploader: uploader,
		capturer: capturer,
		pages:    pages,
		flash:    flash,
		config:   config,
	}
}

// signupValues はサインアップフォームの再表示用の入力値。パスワードは保持しない。
type signupValues struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Age         string `json:"age"`
	Interests   string `json:"interests"`
	About       string `json:"about"`
	AcceptTerms bool   `json:"accept_terms"`
}

// signupState はリダイレクトをまたいで引き継ぐサインアップフォームの状態。
type signupState struct {
	Values   signupValues        `json:"values"`
	Errors   account.FieldErrors `json:"errors"`
	Strength int                 `json:"strength"`
}

type signupPage struct {
	signupState
	CameraEnabled bool
}

// loginState はリダイレクトをまたいで引き継ぐログインフォームの状態。
type loginState struct {
	Values struct {
		Email string `json:"email"`
	} `json:"values"`
	Errors account.FieldErrors `json:"errors"`
}

type resetState struct {
	Errors account.FieldErrors `json:"errors"`
}

type resetPage struct {
	Token  string
	Errors account.FieldErrors
}

// SignupPage はサインアップフォームを表示する。
// GET /signup
func (h *AuthHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	var state signupState
	h.takeFlash(w, r, flashSignupForm, &state)
	h.pages.render(w, r, http.StatusOK, pageSignup, "Sign up", signupPage{
		signupState:   state,
		CameraEnabled: h.capturer != nil && h.capturer.Enabled(),
	})
}

// Signup はアカウントを作成する。写真が選択されていれば先にアップロードする。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	values := signupValues{
		FullName:    r.PostFormValue("fullName"),
		Email:       strings.TrimSpace(r.PostFormValue("email")),
		Phone:       r.PostFormValue("phone"),
		Age:         strings.TrimSpace(r.PostFormValue("age")),
		Interests:   r.PostFormValue("interests"),
		About:       r.PostFormValue("about"),
		AcceptTerms: r.PostFormValue("acceptTerms") == "on",
	}
	form := account.SignupForm{
		FullName:        values.FullName,
		Email:           values.Email,
		Phone:           values.Phone,
		Interests:       values.Interests,
		About:           values.About,
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirmPassword"),
		AcceptTerms:     values.AcceptTerms,
	}
	age, ageErr := parseOptionalInt(values.Age)
	form.Age = age

	errs := form.Validate()
	if ageErr != nil {
		errs["age"] = "Age must be a number"
	}
	state := signupState{Values: values, Errors: errs, Strength: account.PasswordStrength(form.Password)}
	if len(errs) > 0 {
		h.redirectWithFlash(w, r, "/signup", flashSignupForm, state)
		return
	}

	photoURL, err := h.signupPhoto(r, form.Email)
	if err != nil {
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		h.redirectWithFlash(w, r, "/signup", flashSignupForm, state)
		return
	}

	if err := p.Register(r.Context(), form.Email, form.Password, form.Fields(photoURL)); err != nil {
		middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
		h.redirectWithFlash(w, r, "/signup", flashSignupForm, state)
		return
	}

	middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// signupPhoto は選択されたファイル、またはカメラで撮影した画像をアップロードする。
// どちらもない場合は空文字列を返す。
func (h *AuthHandler) signupPhoto(r *http.Request, email string) (string, error) {
	blob, err := formFileBlob(r, "photo", h.uploader.MaxSize())
	if err != nil {
		return "", err
	}
	if blob == nil && r.PostFormValue("capturePhoto") == "on" && h.capturer != nil {
		// 撮影できなかった場合は写真なしで続行する
		blob = h.capturer.Capture(r.Context())
	}
	if blob == nil {
		return "", nil
	}
	return h.uploader.Upload(r.Context(), blob, email)
}

// LoginPage はログインフォームを表示する。ログイン済みの場合はダッシュボードへ遷移する。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if p := middleware.ProviderFromContext(r.Context()); p != nil {
		if guard.Resolve(r.Context(), p, h.config.GuardWait) == guard.Authenticated {
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
	}

	var state loginState
	h.takeFlash(w, r, flashLoginForm, &state)
	h.pages.render(w, r, http.StatusOK, pageLogin, "Log in", state)
}

// Login はメール/パスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	form := account.LoginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	var state loginState
	state.Values.Email = form.Email
	if errs := form.Validate(); len(errs) > 0 {
		state.Errors = errs
		h.redirectWithFlash(w, r, "/login", flashLoginForm, state)
		return
	}

	err = p.Authenticate(r.Context(), form.Email, form.Password)
	middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	if err != nil {
		h.redirectWithFlash(w, r, "/login", flashLoginForm, state)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// Logout はセッションを終了する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.ClearSessionCookie(w, h.config.Cookies)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if err := p.EndSession(r.Context()); err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}
	middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ForgotPasswordPage はパスワードリセットの依頼フォームを表示する。
// GET /password/forgot
func (h *AuthHandler) ForgotPasswordPage(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, pageForgotPassword, "Reset password", struct{ Email string }{
		Email: r.URL.Query().Get("email"),
	})
}

// ForgotPassword はパスワードリセットメールを依頼する。
// 登録の有無にかかわらず同じ結果を表示する。
// POST /password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	if email == "" {
		h.pages.notice(w, r, account.LevelError, "Enter your email first")
		http.Redirect(w, r, "/password/forgot", http.StatusSeeOther)
		return
	}

	if err := p.RequestPasswordReset(r.Context(), email); err != nil {
		http.Redirect(w, r, "/password/forgot?email="+url.QueryEscape(email), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// ResetPasswordPage は新しいパスワードの入力フォームを表示する。
// GET /password/reset?token=xxx
func (h *AuthHandler) ResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.pages.notice(w, r, account.LevelError, model.NewInvalidTokenError().Message)
		http.Redirect(w, r, "/password/forgot", http.StatusSeeOther)
		return
	}

	var state resetState
	h.takeFlash(w, r, flashResetForm, &state)
	h.pages.render(w, r, http.StatusOK, pageResetPassword, "Choose a new password", resetPage{
		Token:  token,
		Errors: state.Errors,
	})
}

// ResetPassword はリセットリンクのトークンでパスワードを更新する。
// POST /password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("token")
	back := "/password/reset?token=" + url.QueryEscape(token)

	form := account.PasswordResetForm{
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirmPassword"),
	}
	if errs := form.Validate(); len(errs) > 0 {
		h.redirectWithFlash(w, r, back, flashResetForm, resetState{Errors: errs})
		return
	}

	if err := h.service.ConfirmPasswordReset(r.Context(), token, form.Password); err != nil {
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		if model.HasCode(err, model.ErrCodeInvalidToken) {
			http.Redirect(w, r, "/password/forgot", http.StatusSeeOther)
			return
		}
		slog.Error("failed to reset password", slog.String("error", err.Error()))
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	// 既存セッションは破棄されているため、このブラウザの状態も読み直す
	if p := middleware.ProviderFromContext(r.Context()); p != nil && p.Session() != nil {
		if err := p.Refresh(r.Context()); err != nil {
			slog.Warn("failed to refresh session after password reset", slog.String("error", err.Error()))
		}
		middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	}

	h.pages.notice(w, r, account.LevelSuccess, "Your password has been reset. Please log in.")
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// VerifyEmail は確認メールのリンクを処理する。
// 同じブラウザでログイン中であればセッションの確認状態も更新する。
// GET /auth/verify?token=xxx
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if !model.HasCode(err, model.ErrCodeInvalidToken) {
			slog.Error("failed to verify email", slog.String("error", err.Error()))
		}
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	if p := middleware.ProviderFromContext(r.Context()); p != nil {
		if s := p.Session(); s != nil && s.ID == user.ID {
			if err := p.Refresh(r.Context()); err != nil {
				slog.Warn("failed to refresh session after verification",
					slog.String("user_id", user.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	h.pages.notice(w, r, account.LevelSuccess, "Email verified! You can now use your dashboard.")
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// RefreshVerification は認証サービスからメール確認状態を読み直す。
// 別のブラウザで確認リンクを開いた場合に使う。
// POST /auth/verify/refresh
func (h *AuthHandler) RefreshVerification(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	if err := p.Refresh(r.Context()); err != nil {
		slog.Warn("failed to refresh session", slog.String("error", err.Error()))
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
	} else if s := p.Session(); s != nil && !s.EmailVerified {
		h.pages.notice(w, r, account.LevelInfo, "Your email is not verified yet.")
	}
	middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateを署名付きCookieに保存（CSRF対策）
	if err := h.flash.Set(w, r, flashOAuthState, state); err != nil {
		slog.Error("failed to store oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	query := r.URL.Query()
	var expected string
	found, err := h.flash.Take(w, r, flashOAuthState, &expected)
	if err != nil || !found || expected == "" || expected != query.Get("state") {
		slog.Warn("oauth state mismatch", slog.String("query_state", query.Get("state")))
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// 2. 同意画面でキャンセルされた場合
	if query.Get("error") != "" {
		h.pages.notice(w, r, account.LevelInfo, "Google sign-in was cancelled.")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 4. 認証処理
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	err = p.AuthenticateFederated(r.Context(), code)
	middleware.SyncSessionCookie(w, r, p, h.config.Cookies)
	if err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// takeFlash はフォーム状態をフラッシュから取り出す。読めない場合は空のままにする。
func (h *AuthHandler) takeFlash(w http.ResponseWriter, r *http.Request, key string, dst any) {
	if _, err := h.flash.Take(w, r, key, dst); err != nil {
		slog.Warn("failed to read flash", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// redirectWithFlash はフォーム状態をフラッシュに保存してリダイレクトする。
func (h *AuthHandler) redirectWithFlash(w http.ResponseWriter, r *http.Request, to, key string, value any) {
	if err := h.flash.Set(w, r, key, value); err != nil {
		slog.Warn("failed to store flash", slog.String("key", key), slog.String("error", err.Error()))
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
