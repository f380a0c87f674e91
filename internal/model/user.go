// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証サービスが管理するアカウントを表す。
// パスワードハッシュはフェデレーションのみのユーザーでは空になる。
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuthUser はアプリケーションに公開される認証済みユーザーの参照。
// 認証サービスが所有し、プロバイダーはミラーするだけで所有しない。
type AuthUser struct {
	ID            string
	Email         string
	EmailVerified bool
}

// ToAuthUser はUserから公開用のAuthUserを生成する。
func (u *User) ToAuthUser() *AuthUser {
	return &AuthUser{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
	}
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPurpose はメール経由で送るワンタイムトークンの用途。
type TokenPurpose string

const (
	// TokenPurposeVerifyEmail はメールアドレス確認用。
	TokenPurposeVerifyEmail TokenPurpose = "verify_email"
	// TokenPurposeResetPassword はパスワードリセット用。
	TokenPurposeResetPassword TokenPurpose = "reset_password"
)

// AuthToken はメールで送付するワンタイムトークン。
// 平文トークンは保存せず、SHA-256ハッシュのみを保持する。
type AuthToken struct {
	TokenHash string
	UserID    string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// FederatedUser はフェデレーションサインインの結果。
// プロフィール自動作成に使うIdPの基本情報を含む。
type FederatedUser struct {
	User        *AuthUser
	DisplayName string
	PhotoURL    string
	IsNewUser   bool
}
