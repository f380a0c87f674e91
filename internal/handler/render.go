package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページテンプレート名。
const (
	pageLanding              = "landing.html"
	pageSignup               = "signup.html"
	pageLogin                = "login.html"
	pageDashboard            = "dashboard.html"
	pageForgotPassword       = "forgot_password.html"
	pageResetPassword        = "reset_password.html"
	pageLoading              = "loading.html"
	pageVerificationRequired = "verification_required.html"
)

// flashNotice はリダイレクト先で表示する通知のフラッシュキー。
const flashNotice = "notice"

var templateFuncs = template.FuncMap{
	"moodLabel":     model.MoodLabel,
	"moodEmoji":     model.MoodEmoji,
	"strengthLabel": account.StrengthLabel,
}

// pageData はレイアウトに渡す共通データ。
type pageData struct {
	Title         string
	CSRFToken     string
	Session       *model.AuthUser
	Notifications []account.Notification
	Data          any
}

// Renderer は埋め込みテンプレートでHTMLページを描画する。
// ガードの読み込みページとメール未確認ページも提供する。
type Renderer struct {
	pages map[string]*template.Template
	flash *middleware.FlashStore
}

// NewRenderer はすべてのページテンプレートを解析してRendererを生成する。
func NewRenderer(flash *middleware.FlashStore) (*Renderer, error) {
	names := []string{
		pageLanding, pageSignup, pageLogin, pageDashboard,
		pageForgotPassword, pageResetPassword, pageLoading, pageVerificationRequired,
	}

	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &Renderer{pages: pages, flash: flash}, nil
}

// render はページを描画する。通知はProviderのキューとフラッシュから集める。
func (rd *Renderer) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	tmpl, ok := rd.pages[name]
	if !ok {
		slog.Error("unknown page template", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	pd := pageData{
		Title:     title,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Data:      data,
	}
	var notice account.Notification
	if ok, err := rd.flash.Take(w, r, flashNotice, &notice); err != nil {
		slog.Warn("failed to read flash notice", slog.String("error", err.Error()))
	} else if ok {
		pd.Notifications = append(pd.Notifications, notice)
	}
	if p := middleware.ProviderFromContext(r.Context()); p != nil {
		pd.Session = p.Session()
		pd.Notifications = append(pd.Notifications, p.Notifications()...)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", pd); err != nil {
		slog.Error("failed to render page",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// notice は次に描画するページで表示する通知をフラッシュに保存する。
func (rd *Renderer) notice(w http.ResponseWriter, r *http.Request, level account.Level, message string) {
	if err := rd.flash.Set(w, r, flashNotice, account.Notification{Level: level, Message: message}); err != nil {
		slog.Warn("failed to store flash notice", slog.String("error", err.Error()))
	}
}

// Landing はランディングページを表示する。
// GET /
func (rd *Renderer) Landing(w http.ResponseWriter, r *http.Request) {
	rd.render(w, r, http.StatusOK, pageLanding, "", nil)
}

// Loading はセッション解決中の読み込みページを表示する。1秒ごとに再読み込みする。
func (rd *Renderer) Loading(w http.ResponseWriter, r *http.Request) {
	rd.render(w, r, http.StatusOK, pageLoading, "Loading", nil)
}

// VerificationRequired はメール未確認の案内ページを表示する。
func (rd *Renderer) VerificationRequired(w http.ResponseWriter, r *http.Request) {
	rd.render(w, r, http.StatusOK, pageVerificationRequired, "Email Verification Required", nil)
}
