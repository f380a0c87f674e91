package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
)

// flashSessionName はフラッシュ用の署名付きCookieの名前。
const flashSessionName = "kokoro_flash"

// FlashStore はリダイレクトをまたいで1回だけ読める値を署名付きCookieに保持する。
// フォームの入力値・検証エラーやOAuthのstateの受け渡しに使う。
type FlashStore struct {
	store *sessions.CookieStore
}

// NewFlashStore はFlashStoreを生成する。secretはCookieの署名に使う。
func NewFlashStore(secret string, config CookieConfig) *FlashStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   600,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &FlashStore{store: store}
}

// Set はkeyにvalueを保存する。値はJSONとして保持する。
// 同じkeyの未読の値は置き換える。
func (f *FlashStore) Set(w http.ResponseWriter, r *http.Request, key string, value any) error {
	sess, err := f.store.Get(r, flashSessionName)
	if err != nil && sess == nil {
		return fmt.Errorf("failed to load flash session: %w", err)
	}

	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode flash %s: %w", key, err)
	}

	sess.Flashes(key)
	sess.AddFlash(string(b), key)
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("failed to save flash session: %w", err)
	}
	return nil
}

// Take はkeyの値を取り出してdstにデコードし、Cookieから削除する。
// 値がない場合はfalseを返す。
func (f *FlashStore) Take(w http.ResponseWriter, r *http.Request, key string, dst any) (bool, error) {
	sess, err := f.store.Get(r, flashSessionName)
	if err != nil {
		// 署名が一致しない古いCookieは値なしとして扱う
		return false, nil
	}

	flashes := sess.Flashes(key)
	if len(flashes) == 0 {
		return false, nil
	}
	if err := sess.Save(r, w); err != nil {
		return false, fmt.Errorf("failed to save flash session: %w", err)
	}

	raw, ok := flashes[len(flashes)-1].(string)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode flash %s: %w", key, err)
	}
	return true, nil
}
