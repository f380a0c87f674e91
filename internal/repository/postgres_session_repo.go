package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/kokoro/internal/model"
)

// PostgresSessionRepo はサインイン中のブラウザを表すセッションをPostgreSQLに保存する。
// セッションIDはsession_id Cookieの値で、ページ再読み込み時はauth.Client.Restoreが
// このIDからサインイン状態を復元する。期限切れの行はworker/cleanupが日次で削除する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const selectSessionColumns = `SELECT id, user_id, expires_at, created_at FROM sessions`

// Create はサインアップ・パスワードサインイン・Googleサインインの成功時に
// 発行したセッションを保存する。expires_atはSESSION_MAX_AGEから計算済みの値を使う。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は有効なセッションを返す。
// 期限切れの行はcleanupジョブで削除されるまで残るため、ここでexpires_atを絞り込む。
// 見つからない場合はnilを返し、Restoreはサインアウト状態として扱う。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		selectSessionColumns+` WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.UserID, &session.ExpiresAt, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// DeleteByID はログアウトしたブラウザのセッションを削除する。存在しなくてもエラーにしない。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID はユーザーの全端末のセッションを削除する。
// パスワード再設定の完了時と、未確認のパスワードアカウントにGoogleアカウントを
// 紐付けた時に呼ばれ、それまでのサインインをすべて無効にする。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete sessions of user %s: %w", userID, err)
	}
	return nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
