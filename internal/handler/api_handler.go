package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/mood"
)

// streamKeepAlive はSSE接続を維持するコメント行の送信間隔。
const streamKeepAlive = 25 * time.Second

// APIHandler はJSON APIのHTTPハンドラー。
// ルートはJSONガードの内側に置く。
type APIHandler struct {
	moods     MoodServiceInterface
	uploader  PhotoUploader
	capturer  PhotoCapturer
	importer  PhotoImporter
	keepAlive time.Duration
}

// NewAPIHandler はAPIHandlerを生成する。capturerとimporterはnilでもよい。
func NewAPIHandler(moods MoodServiceInterface, uploader PhotoUploader, capturer PhotoCapturer, importer PhotoImporter) *APIHandler {
	return &APIHandler{
		moods:     moods,
		uploader:  uploader,
		capturer:  capturer,
		importer:  importer,
		keepAlive: streamKeepAlive,
	}
}

// userResponse はセッションのAPIレスポンス。
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// profileResponse はプロフィールのAPIレスポンス。
type profileResponse struct {
	DisplayName   string `json:"display_name"`
	Email         string `json:"email"`
	PhotoURL      string `json:"photo_url"`
	Phone         string `json:"phone"`
	Age           *int   `json:"age"`
	Interests     string `json:"interests"`
	About         string `json:"about"`
	EmailVerified bool   `json:"email_verified"`
}

// meResponse はGET /api/meのレスポンス。
type meResponse struct {
	User    userResponse     `json:"user"`
	Profile *profileResponse `json:"profile"`
}

// moodEntryResponse は気分記録のAPIレスポンス。
type moodEntryResponse struct {
	ID        string    `json:"id"`
	Mood      int       `json:"mood"`
	Label     string    `json:"label"`
	Emoji     string    `json:"emoji"`
	Date      string    `json:"date"`
	Timestamp time.Time `json:"timestamp"`
}

// moodHistoryResponse は気分履歴のAPIレスポンス。entriesは古い順。
type moodHistoryResponse struct {
	Entries []moodEntryResponse `json:"entries"`
	Average float64             `json:"average"`
	Latest  *moodEntryResponse  `json:"latest"`
}

// submitMoodRequest は気分記録リクエストのボディ。
type submitMoodRequest struct {
	Mood int    `json:"mood"`
	Date string `json:"date"`
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// 省略した項目は変更しない。
type updateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	Phone       *string `json:"phone"`
	Age         *int    `json:"age"`
	Interests   *string `json:"interests"`
	About       *string `json:"about"`
	PhotoURL    *string `json:"photo_url"`
}

// photoResponse は撮影・アップロード結果のレスポンス。
type photoResponse struct {
	PhotoURL string `json:"photo_url"`
}

// Me は現在のセッションとプロフィールを返す。
// GET /api/me
func (h *APIHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		User:    toUserResponse(user),
		Profile: toProfileResponse(p.Profile()),
	})
}

// ListMoods は直近の気分履歴を古い順で返す。
// GET /api/moods
func (h *APIHandler) ListMoods(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	history, err := h.moods.History(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMoodHistoryResponse(history))
}

// SubmitMood は気分を記録する。dateを省略した場合は当日になる。
// POST /api/moods
func (h *APIHandler) SubmitMood(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	var req submitMoodRequest
	if !readJSON(w, r, &req) {
		return
	}

	entry, err := h.moods.Submit(r.Context(), userID, req.Mood, strings.TrimSpace(req.Date))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMoodEntryResponse(*entry))
}

// StreamMoods は気分履歴の変化をServer-Sent Eventsで配信する。
// 接続が切れるか、このブラウザのセッションが終了・切り替わると購読を解除する。
// GET /api/moods/stream
func (h *APIHandler) StreamMoods(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	rc := http.NewResponseController(w)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	remove := p.OnSessionChange(func(next *model.AuthUser) {
		if next == nil || next.ID != user.ID {
			cancel()
		}
	})
	defer remove()

	sub, err := h.moods.SubscribeHistory(ctx, user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer sub.Close()

	// サーバーのWriteTimeoutで接続が切られないよう期限を外す
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not supported", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case history, ok := <-sub.Updates():
			if !ok {
				return
			}
			payload, err := json.Marshal(toMoodHistoryResponse(history))
			if err != nil {
				slog.Error("failed to encode mood history", slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "event: history\ndata: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// UpdateProfile はプロフィールを部分更新する。
// photo_urlを指定した場合は画像を取り込んで自前のストレージに保存し直す。
// PATCH /api/profile
func (h *APIHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	var req updateProfileRequest
	if !readJSON(w, r, &req) {
		return
	}

	update := model.ProfileUpdate{
		DisplayName: trimmed(req.DisplayName),
		Phone:       trimmed(req.Phone),
		Age:         req.Age,
		Interests:   trimmed(req.Interests),
		About:       trimmed(req.About),
	}
	if update.DisplayName != nil && len([]rune(*update.DisplayName)) < 2 {
		handleServiceError(w, model.NewInvalidInputError("Name must be at least 2 characters."))
		return
	}
	if update.Age != nil {
		if err := validateAge(*update.Age); err != nil {
			handleServiceError(w, err)
			return
		}
	}
	if req.PhotoURL != nil && strings.TrimSpace(*req.PhotoURL) != "" {
		photoURL, err := storeProfilePhoto(r.Context(), h.uploader, h.importer, nil, strings.TrimSpace(*req.PhotoURL), user.Email)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		update.PhotoURL = &photoURL
	}

	if err := p.UpdateProfile(r.Context(), update); err != nil {
		handleServiceError(w, err)
		return
	}
	// JSONクライアントには画面通知を出さないため捨てる
	p.Notifications()

	writeJSON(w, http.StatusOK, meResponse{
		User:    toUserResponse(user),
		Profile: toProfileResponse(p.Profile()),
	})
}

// CapturePhoto はカメラで撮影した画像をプロフィール写真として保存する。
// 撮影できなかった場合は何も変更せず204を返す。
// POST /api/photo/capture
func (h *APIHandler) CapturePhoto(w http.ResponseWriter, r *http.Request) {
	p, err := providerFrom(r)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	user := p.Session()
	if user == nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}

	if h.capturer == nil || !h.capturer.Enabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	blob := h.capturer.Capture(r.Context())
	if blob == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	photoURL, err := h.uploader.Upload(r.Context(), blob, user.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if err := p.UpdateProfile(r.Context(), model.ProfileUpdate{PhotoURL: &photoURL}); err != nil {
		handleServiceError(w, err)
		return
	}
	p.Notifications()

	writeJSON(w, http.StatusCreated, photoResponse{PhotoURL: photoURL})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func toUserResponse(u *model.AuthUser) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified}
}

func toProfileResponse(p *model.Profile) *profileResponse {
	if p == nil {
		return nil
	}
	return &profileResponse{
		DisplayName:   p.DisplayName,
		Email:         p.Email,
		PhotoURL:      p.PhotoURL,
		Phone:         p.Phone,
		Age:           p.Age,
		Interests:     p.Interests,
		About:         p.About,
		EmailVerified: p.EmailVerified,
	}
}

func toMoodEntryResponse(e model.MoodEntry) moodEntryResponse {
	return moodEntryResponse{
		ID:        e.ID,
		Mood:      e.Mood,
		Label:     model.MoodLabel(e.Mood),
		Emoji:     model.MoodEmoji(e.Mood),
		Date:      e.Date,
		Timestamp: e.Timestamp,
	}
}

func toMoodHistoryResponse(history []model.MoodEntry) moodHistoryResponse {
	resp := moodHistoryResponse{
		Entries: make([]moodEntryResponse, len(history)),
		Average: mood.Average(history),
	}
	for i, e := range history {
		resp.Entries[i] = toMoodEntryResponse(e)
	}
	if latest := mood.Latest(history); latest != nil {
		l := toMoodEntryResponse(*latest)
		resp.Latest = &l
	}
	return resp
}
