package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// NotifyChannel はドキュメント変更を通知するPostgreSQLのチャネル名。
// ペイロードは変更されたコレクションのパス。
const NotifyChannel = "document_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresStore はPostgreSQLのdocumentsテーブルを使うStore実装。
// ライブクエリはLISTEN/NOTIFYで変更を受け取り、影響する購読を再実行する。
type PostgresStore struct {
	db  *sql.DB
	hub *hub
}

// NewPostgresStore はPostgresStoreを生成する。
// ライブクエリを更新するにはListenを別goroutineで実行する必要がある。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, hub: newHub()}
}

// Get はドキュメントを取得する。存在しない場合はnilを返す。
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw []byte
	doc := &Document{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw, &doc.CreatedAt, &doc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	data, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	doc.Data = data
	return doc, nil
}

// Set はドキュメントを書き込み、同じトランザクションで変更を通知する。
// mergeの場合はjsonbの||演算子でトップレベルのキーを上書きする。
func (s *PostgresStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := `INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	if merge {
		query = `INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`
	}

	return s.writeAndNotify(ctx, collection, query, collection, id, raw)
}

// Add は自動生成IDでドキュメントを追加する。
func (s *PostgresStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := uuid.New().String()
	err = s.writeAndNotify(ctx, collection,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, clock_timestamp(), clock_timestamp())`,
		collection, id, raw,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) writeAndNotify(ctx context.Context, collection, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, collection); err != nil {
		return fmt.Errorf("failed to notify document change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query はクエリを1回実行する。
// 並び替えはjsonbの比較規則に従い、同値の場合は作成順になる。
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	// nullはMemoryStoreと同じく最小値として扱う
	direction, nulls := "ASC", "NULLS FIRST"
	if q.Descending {
		direction, nulls = "DESC", "NULLS LAST"
	}

	var limit sql.NullInt64
	if q.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(q.Limit), Valid: true}
	}

	query := fmt.Sprintf(
		`SELECT id, data, created_at, updated_at FROM documents
		 WHERE collection = $1
		 ORDER BY data -> $2 %[1]s %[2]s, created_at %[1]s, id %[1]s
		 LIMIT $3`,
		direction, nulls,
	)

	rows, err := s.db.QueryContext(ctx, query, q.Collection, q.OrderBy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var raw []byte
		doc := &Document{}
		if err := rows.Scan(&doc.ID, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if doc.Data, err = decodeData(raw); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Subscribe はクエリを購読する。
func (s *PostgresStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	return s.hub.subscribe(ctx, q, s.Query)
}

// Listen はdocument_changesチャネルをLISTENし、通知を受けるたびに
// 該当コレクションの購読を再実行する。ctxがキャンセルされるまでブロックする。
// 接続が切れた場合は再接続後に全購読を再実行する。
func (s *PostgresStore) Listen(ctx context.Context, databaseURL string) error {
	listener := pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("document listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	slog.Info("document listener started", slog.String("channel", NotifyChannel))

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("document listener stopped")
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// 再接続後は取りこぼした通知があり得るため全購読を更新する
				s.refresh(ctx, s.hub.all())
				continue
			}
			s.refresh(ctx, s.hub.subscribers(n.Extra))
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				slog.Warn("document listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *PostgresStore) refresh(ctx context.Context, subs []*Subscription) {
	for _, sub := range subs {
		if err := sub.refresh(ctx, s.Query); err != nil {
			slog.Error("failed to refresh subscription",
				slog.String("collection", sub.query.Collection),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SubscriptionCount は現在の購読数を返す。
func (s *PostgresStore) SubscriptionCount() int {
	return s.hub.count()
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
