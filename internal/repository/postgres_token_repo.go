package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kokoro/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.AuthToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token_hash, user_id, purpose, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.TokenHash, token.UserID, string(token.Purpose), token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth token: %w", err)
	}
	return nil
}

// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
// UPDATE ... RETURNINGで判定と更新を1文で行うため、同じトークンは1回しか消費できない。
func (r *PostgresTokenRepo) Consume(ctx context.Context, tokenHash string, purpose model.TokenPurpose) (*model.AuthToken, error) {
	token := &model.AuthToken{}
	var p string
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`UPDATE auth_tokens SET used_at = now()
		 WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > now()
		 RETURNING token_hash, user_id, purpose, expires_at, used_at, created_at`,
		tokenHash, string(purpose),
	).Scan(&token.TokenHash, &token.UserID, &p, &token.ExpiresAt, &usedAt, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth token: %w", err)
	}

	token.Purpose = model.TokenPurpose(p)
	if usedAt.Valid {
		token.UsedAt = &usedAt.Time
	}
	return token, nil
}

// DeleteByUserAndPurpose は指定ユーザー・用途の未使用トークンを削除する。
func (r *PostgresTokenRepo) DeleteByUserAndPurpose(ctx context.Context, userID string, purpose model.TokenPurpose) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE user_id = $1 AND purpose = $2 AND used_at IS NULL`,
		userID, string(purpose),
	)
	if err != nil {
		return fmt.Errorf("failed to delete auth tokens: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
