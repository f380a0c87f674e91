package mood

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/model"
)

// mockMetrics はテスト用のMetricsCollector。
type mockMetrics struct {
	moodEntries int
	opened      int
	closed      chan struct{}
}

func (m *mockMetrics) RecordAuthOperation(string, bool) {}
func (m *mockMetrics) RecordUpload(bool, time.Duration) {}
func (m *mockMetrics) RecordMoodEntry()                 { m.moodEntries++ }
func (m *mockMetrics) RecordHTTPStatus(int)             {}
func (m *mockMetrics) SubscriptionOpened()              { m.opened++ }
func (m *mockMetrics) SubscriptionClosed()              { close(m.closed) }
func (m *mockMetrics) SetActiveClients(int)             {}

// failingStore はAddに失敗するdocstore.Store。
type failingStore struct {
	docstore.Store
}

func (failingStore) Add(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("connection refused")
}

func newTestService(t *testing.T) (*Service, *mockMetrics) {
	t.Helper()
	m := &mockMetrics{closed: make(chan struct{})}
	svc := NewService(docstore.NewMemoryStore(), m, 0)
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc, m
}

func TestSubmit_InvalidMood(t *testing.T) {
	svc, m := newTestService(t)

	for _, mood := range []int{0, -1, 11, 100} {
		_, err := svc.Submit(context.Background(), "u1", mood, "")
		if !model.HasCode(err, model.ErrCodeInvalidMood) {
			t.Errorf("Submit(%d) error = %v, want INVALID_MOOD", mood, err)
		}
	}
	if m.moodEntries != 0 {
		t.Errorf("moodEntries = %d, want 0", m.moodEntries)
	}
}

func TestSubmit_InvalidDate(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), "u1", 5, "05/01/2024")
	if !model.HasCode(err, model.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestSubmit_RequiresUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), "", 5, "")
	if !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Errorf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestSubmit_DefaultsDateToToday(t *testing.T) {
	svc, m := newTestService(t)

	entry, err := svc.Submit(context.Background(), "u1", 6, "")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if entry.Date != "2024-05-01" {
		t.Errorf("Date = %q, want 2024-05-01", entry.Date)
	}
	if entry.ID == "" {
		t.Error("expected generated ID")
	}
	if m.moodEntries != 1 {
		t.Errorf("moodEntries = %d, want 1", m.moodEntries)
	}
}

func TestSubmit_StoreError(t *testing.T) {
	svc := NewService(failingStore{}, nil, 0)

	if _, err := svc.Submit(context.Background(), "u1", 5, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestHistory_ReturnsChronologicalWindow(t *testing.T) {
	svc, _ := newTestService(t)
	svc.limit = 3
	ctx := context.Background()

	for _, mood := range []int{1, 2, 3, 4, 5} {
		if _, err := svc.Submit(ctx, "u1", mood, ""); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}

	entries, err := svc.History(ctx, "u1")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	want := []int{3, 4, 5}
	if len(entries) != len(want) {
		t.Fatalf("len = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Mood != want[i] {
			t.Errorf("entries[%d].Mood = %d, want %d", i, e.Mood, want[i])
		}
	}
}

func TestHistory_IsolatedPerUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Submit(ctx, "u1", 3, "")
	svc.Submit(ctx, "u2", 9, "")

	entries, _ := svc.History(ctx, "u1")
	if len(entries) != 1 || entries[0].Mood != 3 {
		t.Errorf("unexpected history for u1: %+v", entries)
	}
}

// TestSubscribeHistory_SubmittedEntryIsLast は新しい順に届いた結果を古い順に並べ替えたとき、
// 直前に記録したエントリが末尾に来ることを検証する。
func TestSubscribeHistory_SubmittedEntryIsLast(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	svc.Submit(ctx, "u1", 4, "2024-04-29")
	svc.Submit(ctx, "u1", 6, "2024-04-30")
	if _, err := svc.Submit(ctx, "u1", 8, "2024-05-01"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	sub, err := svc.SubscribeHistory(ctx, "u1")
	if err != nil {
		t.Fatalf("SubscribeHistory returned error: %v", err)
	}
	defer sub.Close()

	var entries []model.MoodEntry
	select {
	case entries = <-sub.Updates():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for history")
	}

	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Mood != 8 || last.Date != "2024-05-01" {
		t.Errorf("last entry = %+v, want mood 8 on 2024-05-01", last)
	}
	if m.opened != 1 {
		t.Errorf("opened = %d, want 1", m.opened)
	}
}

func TestSubscribeHistory_ReceivesNewEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, _ := svc.SubscribeHistory(ctx, "u1")
	defer sub.Close()
	<-sub.Updates()

	svc.Submit(ctx, "u1", 7, "")

	select {
	case entries := <-sub.Updates():
		if len(entries) != 1 || entries[0].Mood != 7 {
			t.Errorf("unexpected entries: %+v", entries)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSubscribeHistory_CloseReleases(t *testing.T) {
	svc, m := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, _ := svc.SubscribeHistory(ctx, "u1")
	cancel()

	select {
	case <-m.closed:
	case <-time.After(time.Second):
		t.Fatal("subscription was not released after context cancel")
	}
	for range sub.Updates() {
	}
}

func TestAverage(t *testing.T) {
	tests := []struct {
		name  string
		moods []int
		want  float64
	}{
		{"empty", nil, 0},
		{"single", []int{7}, 7},
		{"rounds to one decimal", []int{7, 8, 8}, 7.7},
		{"exact", []int{2, 4}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]model.MoodEntry, len(tt.moods))
			for i, m := range tt.moods {
				entries[i].Mood = m
			}
			if got := Average(entries); got != tt.want {
				t.Errorf("Average = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatest(t *testing.T) {
	if Latest(nil) != nil {
		t.Error("expected nil for empty history")
	}
	got := Latest([]model.MoodEntry{{Mood: 2}, {Mood: 9}})
	if got == nil || got.Mood != 9 {
		t.Errorf("Latest = %+v, want mood 9", got)
	}
}
