// Package cleanup は期限切れの認証データを削除する日次ジョブを提供する。
// 有効期限を過ぎたセッションは即時に、使用済み・期限切れのメール確認／
// パスワードリセットトークンは保持期間（デフォルト7日）の経過後に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	deleteExpiredSessions = `DELETE FROM sessions WHERE expires_at < now()`

	deleteStaleTokens = `DELETE FROM auth_tokens
		WHERE expires_at < now() - $1::interval
		   OR (used_at IS NOT NULL AND used_at < now() - $1::interval)`
)

// CleanupJob は期限切れのセッションと認証トークンの削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 使用済み・期限切れトークンの保持日数（デフォルト: 7）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 7,
	}
}

// Result はジョブの削除件数。
type Result struct {
	Sessions int64
	Tokens   int64
}

// Run は期限切れのセッションと保持期間を過ぎたトークンを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	sessions, err := j.exec(ctx, "sessions", deleteExpiredSessions)
	if err != nil {
		return res, err
	}
	res.Sessions = sessions

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	tokens, err := j.exec(ctx, "auth_tokens", deleteStaleTokens, interval)
	if err != nil {
		return res, err
	}
	res.Tokens = tokens

	j.logger.Info("認証データのクリーンアップが完了しました",
		slog.Int64("deleted_sessions", res.Sessions),
		slog.Int64("deleted_tokens", res.Tokens),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", table, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to get deleted count for %s: %w", table, err)
	}
	return n, nil
}
