// Package mood は気分記録の保存と履歴の取得を行う。
package mood

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/metrics"
	"github.com/hitoshi/kokoro/internal/model"
)

// DefaultHistoryLimit は履歴ウィンドウの既定件数。
const DefaultHistoryLimit = 30

// DateLayout は気分記録の日付フォーマット。
const DateLayout = "2006-01-02"

// entryDocument はドキュメントストアに保存する気分記録の形。
// timestampはUnixミリ秒で、数値として並び替えられる。
type entryDocument struct {
	Mood      int    `json:"mood"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
}

// Service は気分記録のサービス。
type Service struct {
	store   docstore.Store
	metrics metrics.MetricsCollector
	limit   int
	now     func() time.Time
}

// NewService はServiceを生成する。limitが0以下の場合は既定値を使う。
func NewService(store docstore.Store, m metrics.MetricsCollector, limit int) *Service {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{store: store, metrics: m, limit: limit, now: time.Now}
}

// HistoryCollection はユーザーの気分履歴コレクションのパスを返す。
func HistoryCollection(uid string) string {
	return docstore.Path("users", uid, "moodHistory")
}

func (s *Service) historyQuery(uid string) docstore.Query {
	return docstore.Query{
		Collection: HistoryCollection(uid),
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      s.limit,
	}
}

// Submit は気分記録を追加する。dateが空の場合は当日の日付を使う。
func (s *Service) Submit(ctx context.Context, uid string, mood int, date string) (*model.MoodEntry, error) {
	if uid == "" {
		return nil, model.NewUnauthenticatedError()
	}
	if !model.ValidMood(mood) {
		return nil, model.NewInvalidMoodError(mood)
	}

	now := s.now()
	if date == "" {
		date = now.Format(DateLayout)
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, model.NewInvalidInputError("Date must be in YYYY-MM-DD format.")
	}

	data, err := docstore.Encode(entryDocument{Mood: mood, Date: date, Timestamp: now.UnixMilli()})
	if err != nil {
		return nil, err
	}
	id, err := s.store.Add(ctx, HistoryCollection(uid), data)
	if err != nil {
		return nil, fmt.Errorf("failed to save mood entry: %w", err)
	}

	s.metrics.RecordMoodEntry()
	return &model.MoodEntry{ID: id, Mood: mood, Date: date, Timestamp: time.UnixMilli(now.UnixMilli())}, nil
}

// History は直近の気分記録を古い順で返す。
func (s *Service) History(ctx context.Context, uid string) ([]model.MoodEntry, error) {
	docs, err := s.store.Query(ctx, s.historyQuery(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to query mood history: %w", err)
	}
	return Chronological(docs)
}

// HistorySubscription は気分履歴のライブ購読。
// Updatesには古い順に並べた最新の履歴ウィンドウが届く。
type HistorySubscription struct {
	sub     *docstore.Subscription
	updates chan []model.MoodEntry
}

// Updates は履歴を受け取るチャネルを返す。購読解除後にクローズされる。
func (h *HistorySubscription) Updates() <-chan []model.MoodEntry {
	return h.updates
}

// Close は購読を解除する。
func (h *HistorySubscription) Close() {
	h.sub.Close()
}

// SubscribeHistory は気分履歴を購読する。
// ctxの終了またはCloseで購読は解除される。
func (s *Service) SubscribeHistory(ctx context.Context, uid string) (*HistorySubscription, error) {
	sub, err := s.store.Subscribe(ctx, s.historyQuery(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe mood history: %w", err)
	}

	s.metrics.SubscriptionOpened()
	h := &HistorySubscription{sub: sub, updates: make(chan []model.MoodEntry, 1)}

	go func() {
		defer s.metrics.SubscriptionClosed()
		defer close(h.updates)
		for docs := range sub.Updates() {
			entries, err := Chronological(docs)
			if err != nil {
				continue
			}
			// 未読の古い履歴は捨てる
			select {
			case <-h.updates:
			default:
			}
			select {
			case h.updates <- entries:
			case <-sub.Done():
				return
			}
		}
	}()

	return h, nil
}

// Chronological は新しい順に届いたドキュメントを古い順の気分記録に変換する。
func Chronological(docs []*docstore.Document) ([]model.MoodEntry, error) {
	entries := make([]model.MoodEntry, len(docs))
	for i, doc := range docs {
		var d entryDocument
		if err := docstore.Decode(doc.Data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode mood entry %s: %w", doc.ID, err)
		}
		entries[len(docs)-1-i] = model.MoodEntry{
			ID:        doc.ID,
			Mood:      d.Mood,
			Date:      d.Date,
			Timestamp: time.UnixMilli(d.Timestamp),
		}
	}
	return entries, nil
}

// Average は気分スコアの平均を小数第1位で丸めて返す。記録がない場合は0。
func Average(entries []model.MoodEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	sum := 0
	for _, e := range entries {
		sum += e.Mood
	}
	return math.Round(float64(sum)/float64(len(entries))*10) / 10
}

// Latest は最新の気分記録を返す。記録がない場合はnil。
func Latest(entries []model.MoodEntry) *model.MoodEntry {
	if len(entries) == 0 {
		return nil
	}
	e := entries[len(entries)-1]
	return &e
}
