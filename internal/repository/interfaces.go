// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/kokoro/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのユーザーが既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("email already exists")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	// MarkEmailVerified はメールアドレスを確認済みにする。
	MarkEmailVerified(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TokenRepository はメール送付用ワンタイムトークンの永続化インターフェース。
type TokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.AuthToken) error

	// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
	// 該当するトークンがない場合はnilを返す。
	Consume(ctx context.Context, tokenHash string, purpose model.TokenPurpose) (*model.AuthToken, error)

	// DeleteByUserAndPurpose は指定ユーザー・用途の未使用トークンを削除する。
	// 再送時に古いリンクを無効化するために使う。
	DeleteByUserAndPurpose(ctx context.Context, userID string, purpose model.TokenPurpose) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
