// Package profile はドキュメントストア上のユーザープロフィールを読み書きする。
package profile

import (
	"context"
	"fmt"

	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/model"
)

// Collection はプロフィールを保存するコレクション名。ドキュメントIDはユーザーID。
const Collection = "users"

// document はドキュメントストアに保存するプロフィールの形。
type document struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoURL,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Age           *int   `json:"age,omitempty"`
	Interests     string `json:"interests,omitempty"`
	About         string `json:"about,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// Sanitizer はプロフィールの自由記述欄を無害化する。
type Sanitizer interface {
	SanitizeText(s string) string
}

// Repository はプロフィールの読み書きを行う。
type Repository struct {
	store     docstore.Store
	sanitizer Sanitizer
}

// NewRepository はRepositoryを生成する。sanitizerがnilの場合は入力をそのまま保存する。
func NewRepository(store docstore.Store, sanitizer Sanitizer) *Repository {
	return &Repository{store: store, sanitizer: sanitizer}
}

// Get はプロフィールを取得する。ドキュメントがない場合はnilを返す。
func (r *Repository) Get(ctx context.Context, uid string) (*model.Profile, error) {
	doc, err := r.store.Get(ctx, Collection, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if doc == nil {
		return nil, nil
	}

	var d document
	if err := docstore.Decode(doc.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if d.UID == "" {
		d.UID = uid
	}
	p := model.Profile(d)
	return &p, nil
}

// Create はプロフィールドキュメントを書き込む。既存のドキュメントは置き換える。
func (r *Repository) Create(ctx context.Context, p *model.Profile) error {
	d := document(*p)
	d.DisplayName = r.clean(d.DisplayName)
	d.Interests = r.clean(d.Interests)
	d.About = r.clean(d.About)

	data, err := docstore.Encode(d)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, Collection, p.UID, data, false); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// Merge はnilでないフィールドだけをドキュメントにマージする。
// 指定されなかったフィールドは保存済みの値を維持する。
func (r *Repository) Merge(ctx context.Context, uid string, u model.ProfileUpdate) error {
	data := r.updateData(u)
	if len(data) == 0 {
		return nil
	}
	if err := r.store.Set(ctx, Collection, uid, data, true); err != nil {
		return fmt.Errorf("failed to merge profile: %w", err)
	}
	return nil
}

// Sanitize は更新内容の自由記述欄を無害化したコピーを返す。
// ローカルキャッシュに保存内容と同じ値を反映するために使う。
func (r *Repository) Sanitize(u model.ProfileUpdate) model.ProfileUpdate {
	for _, field := range []**string{&u.DisplayName, &u.Interests, &u.About} {
		if *field != nil {
			cleaned := r.clean(**field)
			*field = &cleaned
		}
	}
	return u
}

func (r *Repository) updateData(u model.ProfileUpdate) map[string]any {
	u = r.Sanitize(u)
	data := make(map[string]any)
	if u.DisplayName != nil {
		data["displayName"] = *u.DisplayName
	}
	if u.PhotoURL != nil {
		data["photoURL"] = *u.PhotoURL
	}
	if u.Phone != nil {
		data["phone"] = *u.Phone
	}
	if u.Age != nil {
		data["age"] = *u.Age
	}
	if u.Interests != nil {
		data["interests"] = *u.Interests
	}
	if u.About != nil {
		data["about"] = *u.About
	}
	if u.EmailVerified != nil {
		data["emailVerified"] = *u.EmailVerified
	}
	return data
}

func (r *Repository) clean(s string) string {
	if r.sanitizer == nil || s == "" {
		return s
	}
	return r.sanitizer.SanitizeText(s)
}
