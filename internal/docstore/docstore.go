// Package docstore はコレクション/ドキュメント形式のストアとライブクエリを提供する。
//
// ドキュメントはJSONで表現できるキー/値のマップで、コレクションのパスと
// IDの組で一意に識別される。Subscribeで登録したクエリは、対象コレクションへの
// 書き込みのたびに再実行され、最新の結果が購読者に届く。
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Document は1件のドキュメント。
type Document struct {
	ID        string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Query はコレクションに対する並び替え付きのクエリ。
type Query struct {
	Collection string
	OrderBy    string // 空の場合は作成順
	Descending bool
	Limit      int // 0は無制限
}

// Store はドキュメントストアのインターフェース。
type Store interface {
	// Get はドキュメントを取得する。存在しない場合はnilを返す。
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Set はドキュメントを書き込む。mergeがtrueの場合は指定したキーのみ上書きし、
	// それ以外のキーは保存済みの値を維持する。
	Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error

	// Add は自動生成IDでドキュメントを追加し、そのIDを返す。
	Add(ctx context.Context, collection string, data map[string]any) (string, error)

	// Query はクエリを1回実行する。
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Subscribe はクエリを購読する。現在の結果が直ちに1回届き、
	// 以降はコレクションが変更されるたびに最新の結果が届く。
	// ctxの終了またはCloseで購読は解除される。
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Path はパス要素を連結してコレクションパスを作る。
// 例: Path("users", uid, "moodHistory") は "users/<uid>/moodHistory"。
func Path(parts ...string) string {
	return strings.Join(parts, "/")
}

// Encode は構造体をJSONタグに従ってドキュメントデータに変換する。
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return decodeData(b)
}

// Decode はドキュメントデータを構造体に変換する。
func Decode(data map[string]any, v any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal document data: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// normalize はデータをJSONで往復させ、ストア間で値の型を揃える。
func normalize(data map[string]any) (map[string]any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return decodeData(b)
}

func decodeData(b []byte) (map[string]any, error) {
	data := make(map[string]any)
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document data: %w", err)
	}
	return data, nil
}

// Subscription はライブクエリの購読ハンドル。
// Updatesには常に最新の結果だけが残り、読まれなかった古い結果は破棄される。
type Subscription struct {
	query   Query
	updates chan []*Document
	done    chan struct{}

	// refreshMu はクエリ実行と配信を直列化し、古い結果が新しい結果を追い越さないようにする。
	refreshMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newSubscription(q Query, onClose func()) *Subscription {
	return &Subscription{
		query:   q,
		updates: make(chan []*Document, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Query は購読中のクエリを返す。
func (s *Subscription) Query() Query {
	return s.query
}

// Updates はクエリ結果を受け取るチャネルを返す。Close後にクローズされる。
func (s *Subscription) Updates() <-chan []*Document {
	return s.updates
}

// Done は購読解除時にクローズされるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close は購読を解除する。複数回呼んでも安全。
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.updates)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// refresh はクエリを実行して結果を配信する。
func (s *Subscription) refresh(ctx context.Context, run func(context.Context, Query) ([]*Document, error)) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	docs, err := run(ctx, s.query)
	if err != nil {
		return err
	}
	s.deliver(docs)
	return nil
}

// deliver は未読の古い結果を捨てて最新の結果を置く。
func (s *Subscription) deliver(docs []*Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- docs
}

// hub はコレクションごとの購読者を管理する。
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *hub) add(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.query.Collection]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sub.query.Collection] = set
	}
	set[sub] = struct{}{}
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.query.Collection]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.query.Collection)
	}
}

// subscribers は指定コレクションの購読者を返す。
func (h *hub) subscribers(collection string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Subscription, 0, len(h.subs[collection]))
	for sub := range h.subs[collection] {
		subs = append(subs, sub)
	}
	return subs
}

// all は全購読者を返す。
func (h *hub) all() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var subs []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	return subs
}

// count は購読者数を返す。
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// subscribe は購読を登録し、初回の結果を配信する。
func (h *hub) subscribe(ctx context.Context, q Query, run func(context.Context, Query) ([]*Document, error)) (*Subscription, error) {
	var sub *Subscription
	sub = newSubscription(q, func() { h.remove(sub) })
	h.add(sub)

	if err := sub.refresh(ctx, run); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}
