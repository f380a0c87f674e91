package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内で完結するStore実装。開発環境とテストで使う。
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*Document // collection -> id -> document
	hub  *hub
	seq  int64
	now  func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]*Document),
		hub:  newHub(),
		now:  time.Now,
	}
}

// Get はドキュメントを取得する。存在しない場合はnilを返す。
func (s *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return cloneDocument(doc), nil
}

// Set はドキュメントを書き込む。
func (s *MemoryStore) Set(_ context.Context, collection, id string, data map[string]any, merge bool) error {
	normalized, err := normalize(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]*Document)
		s.docs[collection] = coll
	}
	now := s.now()
	if existing, ok := coll[id]; ok {
		if merge {
			for k, v := range normalized {
				existing.Data[k] = v
			}
		} else {
			existing.Data = normalized
		}
		existing.UpdatedAt = now
	} else {
		coll[id] = &Document{ID: id, Data: normalized, CreatedAt: s.tick(now), UpdatedAt: now}
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// Add は自動生成IDでドキュメントを追加する。
func (s *MemoryStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := s.Set(ctx, collection, id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

// Query はクエリを1回実行する。
func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Document, error) {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs[q.Collection]))
	for _, doc := range s.docs[q.Collection] {
		docs = append(docs, cloneDocument(doc))
	}
	s.mu.RUnlock()

	sort.SliceStable(docs, func(i, j int) bool {
		c := 0
		if q.OrderBy != "" {
			c = compareValues(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy])
		}
		if c == 0 {
			c = compareTimes(docs[i].CreatedAt, docs[j].CreatedAt)
		}
		if c == 0 && docs[i].ID != docs[j].ID {
			c = compareValues(docs[i].ID, docs[j].ID)
		}
		if q.Descending {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Subscribe はクエリを購読する。
func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	return s.hub.subscribe(ctx, q, s.Query)
}

// notify は変更されたコレクションの購読者に最新結果を配信する。
func (s *MemoryStore) notify(collection string) {
	for _, sub := range s.hub.subscribers(collection) {
		_ = sub.refresh(context.Background(), s.Query)
	}
}

// tick は作成時刻が同一にならないよう単調増加させる。
func (s *MemoryStore) tick(now time.Time) time.Time {
	s.seq++
	return now.Add(time.Duration(s.seq))
}

func cloneDocument(doc *Document) *Document {
	data := make(map[string]any, len(doc.Data))
	for k, v := range doc.Data {
		data[k] = v
	}
	return &Document{ID: doc.ID, Data: data, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}
}

// compareValues はJSON値を比較する。
// 型が異なる場合は null < bool < number < string の順とする。
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
