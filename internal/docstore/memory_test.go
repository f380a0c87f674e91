package docstore

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) []*Document {
	t.Helper()
	select {
	case docs, ok := <-sub.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return docs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return nil
}

func TestMemoryStore_GetMissing_ReturnsNil(t *testing.T) {
	s := NewMemoryStore()
	doc, err := s.Get(context.Background(), "users", "nobody")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if doc != nil {
		t.Errorf("expected nil document, got %+v", doc)
	}
}

func TestMemoryStore_SetMerge_KeepsUnspecifiedKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "users", "u1", map[string]any{"displayName": "Aki", "about": "likes tea"}, false); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if err := s.Set(ctx, "users", "u1", map[string]any{"displayName": "Aki S."}, true); err != nil {
		t.Fatalf("merge Set returned error: %v", err)
	}

	doc, _ := s.Get(ctx, "users", "u1")
	if doc.Data["displayName"] != "Aki S." {
		t.Errorf("displayName = %v, want %q", doc.Data["displayName"], "Aki S.")
	}
	if doc.Data["about"] != "likes tea" {
		t.Errorf("about = %v, want %q", doc.Data["about"], "likes tea")
	}
}

func TestMemoryStore_SetOverwrite_ReplacesDocument(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "users", "u1", map[string]any{"displayName": "Aki", "about": "likes tea"}, false)
	s.Set(ctx, "users", "u1", map[string]any{"displayName": "Aki"}, false)

	doc, _ := s.Get(ctx, "users", "u1")
	if _, ok := doc.Data["about"]; ok {
		t.Error("expected about to be removed by overwrite")
	}
}

func TestMemoryStore_Get_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Set(ctx, "users", "u1", map[string]any{"displayName": "Aki"}, false)

	doc, _ := s.Get(ctx, "users", "u1")
	doc.Data["displayName"] = "mutated"

	again, _ := s.Get(ctx, "users", "u1")
	if again.Data["displayName"] != "Aki" {
		t.Errorf("stored document was mutated through returned copy")
	}
}

func TestMemoryStore_Query_OrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	coll := Path("users", "u1", "moodHistory")

	for _, ts := range []int64{300, 100, 500, 200, 400} {
		if _, err := s.Add(ctx, coll, map[string]any{"timestamp": ts}); err != nil {
			t.Fatalf("Add returned error: %v", err)
		}
	}

	docs, err := s.Query(ctx, Query{Collection: coll, OrderBy: "timestamp", Descending: true, Limit: 3})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("len = %d, want 3", len(docs))
	}
	want := []float64{500, 400, 300}
	for i, doc := range docs {
		if doc.Data["timestamp"] != want[i] {
			t.Errorf("docs[%d].timestamp = %v, want %v", i, doc.Data["timestamp"], want[i])
		}
	}
}

func TestMemoryStore_Query_TiesFallBackToCreationOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, _ := s.Add(ctx, "c", map[string]any{"n": 1})
	second, _ := s.Add(ctx, "c", map[string]any{"n": 1})

	docs, _ := s.Query(ctx, Query{Collection: "c", OrderBy: "n"})
	if docs[0].ID != first || docs[1].ID != second {
		t.Errorf("order = [%s %s], want [%s %s]", docs[0].ID, docs[1].ID, first, second)
	}
}

func TestMemoryStore_Query_OtherCollectionIgnored(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Add(ctx, Path("users", "a", "moodHistory"), map[string]any{"mood": 3})
	s.Add(ctx, Path("users", "b", "moodHistory"), map[string]any{"mood": 7})

	docs, _ := s.Query(ctx, Query{Collection: Path("users", "a", "moodHistory")})
	if len(docs) != 1 || docs[0].Data["mood"] != float64(3) {
		t.Errorf("unexpected docs: %+v", docs)
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"null before number", nil, 1.0, -1},
		{"bool before number", true, 0.0, -1},
		{"number before string", 10.0, "a", -1},
		{"numbers", 2.0, 1.0, 1},
		{"equal strings", "x", "x", 0},
		{"false before true", false, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareValues(tt.a, tt.b)
			if (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) {
				t.Errorf("compareValues(%v, %v) = %d, want sign of %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMemoryStore_Subscribe_DeliversInitialAndChanges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	coll := "c"
	s.Add(ctx, coll, map[string]any{"n": 1})

	sub, err := s.Subscribe(ctx, Query{Collection: coll, OrderBy: "n"})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	if docs := receive(t, sub); len(docs) != 1 {
		t.Fatalf("initial len = %d, want 1", len(docs))
	}

	s.Add(ctx, coll, map[string]any{"n": 2})
	if docs := receive(t, sub); len(docs) != 2 {
		t.Fatalf("len after add = %d, want 2", len(docs))
	}
}

func TestMemoryStore_Subscribe_LatestWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, _ := s.Subscribe(ctx, Query{Collection: "c"})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		s.Add(ctx, "c", map[string]any{"n": i})
	}

	// 読まれなかった中間結果は捨てられ、最新の1件だけが残る
	docs := receive(t, sub)
	if len(docs) != 5 {
		t.Errorf("len = %d, want 5", len(docs))
	}
	select {
	case extra := <-sub.Updates():
		t.Errorf("unexpected extra update with %d docs", len(extra))
	default:
	}
}

func TestMemoryStore_Subscribe_CloseStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, _ := s.Subscribe(ctx, Query{Collection: "c"})
	receive(t, sub)
	sub.Close()
	sub.Close()

	if got := s.hub.count(); got != 0 {
		t.Errorf("subscriptions after Close = %d, want 0", got)
	}

	s.Add(ctx, "c", map[string]any{"n": 1})
	if _, ok := <-sub.Updates(); ok {
		t.Error("expected updates channel to be closed")
	}
}

func TestMemoryStore_Subscribe_ContextCancelCloses(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	sub, _ := s.Subscribe(ctx, Query{Collection: "c"})
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed after context cancel")
	}
}

func TestEncodeDecode(t *testing.T) {
	type sample struct {
		Name string `json:"name"`
		Age  *int   `json:"age,omitempty"`
	}

	data, err := Encode(sample{Name: "Aki"})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if _, ok := data["age"]; ok {
		t.Error("expected omitempty field to be absent")
	}

	var out sample
	if err := Decode(map[string]any{"name": "Aki", "age": 17.0}, &out); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if out.Age == nil || *out.Age != 17 {
		t.Errorf("Age = %v, want 17", out.Age)
	}
}

func TestPath(t *testing.T) {
	if got := Path("users", "u1", "moodHistory"); got != "users/u1/moodHistory" {
		t.Errorf("Path = %q", got)
	}
}
