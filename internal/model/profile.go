package model

// Profile はドキュメントストアの users コレクションに保存されるユーザープロフィール。
// EmailVerified は認証サービスのフラグの非正規化コピー。
type Profile struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	Phone         string
	Age           *int
	Interests     string
	About         string
	EmailVerified bool
}

// ProfileFields はサインアップ時に入力されるプロフィール項目。
type ProfileFields struct {
	DisplayName string
	PhotoURL    string
	Phone       string
	Age         *int
	Interests   string
	About       string
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは変更せず、保存済みの値を維持する。
type ProfileUpdate struct {
	DisplayName   *string
	PhotoURL      *string
	Phone         *string
	Age           *int
	Interests     *string
	About         *string
	EmailVerified *bool
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.DisplayName == nil && u.PhotoURL == nil && u.Phone == nil &&
		u.Age == nil && u.Interests == nil && u.About == nil && u.EmailVerified == nil
}

// ApplyTo はnilでないフィールドだけをpに上書きしたコピーを返す。
func (u ProfileUpdate) ApplyTo(p Profile) Profile {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.PhotoURL != nil {
		p.PhotoURL = *u.PhotoURL
	}
	if u.Phone != nil {
		p.Phone = *u.Phone
	}
	if u.Age != nil {
		age := *u.Age
		p.Age = &age
	}
	if u.Interests != nil {
		p.Interests = *u.Interests
	}
	if u.About != nil {
		p.About = *u.About
	}
	if u.EmailVerified != nil {
		p.EmailVerified = *u.EmailVerified
	}
	return p
}
