package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/mood"
	"github.com/hitoshi/kokoro/internal/photo"
)

const (
	// defaultMood はスライダーの初期値。
	defaultMood = 5
	// maxFormMemory はmultipartフォームをメモリに保持する上限。
	maxFormMemory = 10 << 20
)

// DashboardHandler はダッシュボードのHTTPハンドラー。
// ルートはガードの内側に置き、メール確認済みのセッションだけが到達する。
type DashboardHandler struct {
	moods    MoodServiceInterface
	uploader PhotoUploader
	importer PhotoImporter
	pages    *Renderer
}

// NewDashboardHandler はDashboardHandlerを生成する。importerはnilでもよい。
func NewDashboardHandler(moods MoodServiceInterface, uploader PhotoUploader, importer PhotoImporter, pages *Renderer) *DashboardHandler {
	return &DashboardHandler{
		moods:    moods,
		uploader: uploader,
		importer: importer,
		pages:    pages,
	}
}

// dashboardPage はダッシュボードの表示データ。
type dashboardPage struct {
	WelcomeName string
	Profile     *model.Profile
	History     []model.MoodEntry
	Average     float64
	Latest      *model.MoodEntry
	CurrentMood int
	Chart       trendChart
}

// Dashboard はダッシュボードを表示する。
// GET /dashboard
func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	history, err := h.moods.History(r.Context(), user.ID)
	if err != nil {
		slog.Error("failed to load mood history",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		history = nil
	}

	profile := p.Profile()
	data := dashboardPage{
		WelcomeName: welcomeName(profile),
		Profile:     profile,
		History:     history,
		Average:     mood.Average(history),
		Latest:      mood.Latest(history),
		CurrentMood: defaultMood,
		Chart:       newTrendChart(history),
	}
	if data.Latest != nil {
		data.CurrentMood = data.Latest.Mood
	}

	w.Header().Set("Cache-Control", "no-store")
	h.pages.render(w, r, http.StatusOK, pageDashboard, "Dashboard", data)
}

// SubmitMood は今日の気分を記録する。
// POST /dashboard/mood
func (h *DashboardHandler) SubmitMood(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	value, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue("mood")))
	if err != nil {
		h.pages.notice(w, r, account.LevelError, fmt.Sprintf("Mood must be between %d and %d.", model.MoodMin, model.MoodMax))
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	if _, err := h.moods.Submit(r.Context(), userID, value, ""); err != nil {
		slog.Warn("failed to save mood",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// UpdateProfile はプロフィールを部分更新する。
// フォームに含まれる項目だけを更新し、写真はファイルまたはURLから取り込む。
// POST /dashboard/profile
func (h *DashboardHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	update, err := profileUpdateFromForm(r)
	if err != nil {
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	blob, err := formFileBlob(r, "photo", h.uploader.MaxSize())
	if err != nil {
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	photoURL, err := storeProfilePhoto(r.Context(), h.uploader, h.importer, blob, strings.TrimSpace(r.PostFormValue("photoURL")), user.Email)
	if err != nil {
		h.pages.notice(w, r, account.LevelError, errorMessage(err))
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	if photoURL != "" {
		update.PhotoURL = &photoURL
	}

	// 失敗時の通知はProviderが積む
	if err := p.UpdateProfile(r.Context(), update); err != nil {
		slog.Warn("failed to update profile",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// profileUpdateFromForm はフォームに存在する項目だけを更新対象にする。
func profileUpdateFromForm(r *http.Request) (model.ProfileUpdate, error) {
	var update model.ProfileUpdate
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return update, model.NewInvalidInputError("The form could not be read.")
	}
	form := r.PostForm

	text := func(key string) *string {
		if _, ok := form[key]; !ok {
			return nil
		}
		v := strings.TrimSpace(form.Get(key))
		return &v
	}
	update.DisplayName = text("displayName")
	update.Phone = text("phone")
	update.Interests = text("interests")
	update.About = text("about")

	if update.DisplayName != nil && len([]rune(*update.DisplayName)) < 2 {
		return update, model.NewInvalidInputError("Name must be at least 2 characters.")
	}

	if _, ok := form["age"]; ok {
		age, err := parseOptionalInt(form.Get("age"))
		if err != nil {
			return update, model.NewInvalidInputError("Age must be a number.")
		}
		if age != nil {
			if err := validateAge(*age); err != nil {
				return update, err
			}
			update.Age = age
		}
	}
	return update, nil
}

// validateAge は年齢がサインアップと同じ範囲にあるかを検証する。
func validateAge(age int) error {
	if age < account.MinAge || age > account.MaxAge {
		return model.NewInvalidInputError(fmt.Sprintf("Age must be between %d and %d.", account.MinAge, account.MaxAge))
	}
	return nil
}

// storeProfilePhoto はアップロードされたファイル、または外部URLの画像を保存して公開URLを返す。
// どちらも指定されていない場合は空文字列を返す。
func storeProfilePhoto(ctx context.Context, uploader PhotoUploader, importer PhotoImporter, blob *photo.Blob, rawURL, identifier string) (string, error) {
	if blob == nil && rawURL != "" {
		if importer == nil {
			return "", model.NewInvalidPhotoError("photo URLs are not supported")
		}
		imported, err := importer.Import(ctx, rawURL)
		if err != nil {
			return "", err
		}
		blob = imported
	}
	if blob == nil {
		return "", nil
	}
	return uploader.Upload(ctx, blob, identifier)
}

// welcomeName は見出しに表示する名前を返す。表示名がない場合は"there"。
func welcomeName(profile *model.Profile) string {
	if profile == nil || strings.TrimSpace(profile.DisplayName) == "" {
		return "there"
	}
	return profile.DisplayName
}
