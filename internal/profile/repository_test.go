package profile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/model"
)

type tagStripper struct{}

func (tagStripper) SanitizeText(s string) string {
	return strings.ReplaceAll(s, "<b>", "")
}

// failingStore は書き込みに失敗するdocstore.Store。
type failingStore struct {
	docstore.Store
}

func (failingStore) Set(context.Context, string, string, map[string]any, bool) error {
	return errors.New("connection refused")
}

func strPtr(s string) *string { return &s }

func TestRepository_GetMissing_ReturnsNil(t *testing.T) {
	repo := NewRepository(docstore.NewMemoryStore(), nil)

	p, err := repo.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil profile, got %+v", p)
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := NewRepository(docstore.NewMemoryStore(), nil)
	ctx := context.Background()
	age := 16

	want := &model.Profile{
		UID:         "u1",
		Email:       "aki@example.com",
		DisplayName: "Aki",
		Age:         &age,
		Interests:   "music",
	}
	if err := repo.Create(ctx, want); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, err := repo.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.DisplayName != "Aki" || got.Email != "aki@example.com" || got.Interests != "music" {
		t.Errorf("unexpected profile: %+v", got)
	}
	if got.Age == nil || *got.Age != 16 {
		t.Errorf("Age = %v, want 16", got.Age)
	}
	if got.EmailVerified {
		t.Error("expected EmailVerified=false")
	}
}

func TestRepository_StoresDocumentFieldNames(t *testing.T) {
	store := docstore.NewMemoryStore()
	repo := NewRepository(store, nil)
	ctx := context.Background()

	repo.Create(ctx, &model.Profile{UID: "u1", Email: "a@example.com", DisplayName: "A", PhotoURL: "https://x/p.jpg"})

	doc, _ := store.Get(ctx, Collection, "u1")
	for _, key := range []string{"uid", "email", "displayName", "photoURL", "emailVerified"} {
		if _, ok := doc.Data[key]; !ok {
			t.Errorf("document is missing key %q: %v", key, doc.Data)
		}
	}
}

func TestRepository_Merge_LeavesUnspecifiedFieldsUnchanged(t *testing.T) {
	repo := NewRepository(docstore.NewMemoryStore(), nil)
	ctx := context.Background()

	repo.Create(ctx, &model.Profile{UID: "u1", Email: "a@example.com", DisplayName: "Aki", About: "I like long walks"})

	if err := repo.Merge(ctx, "u1", model.ProfileUpdate{DisplayName: strPtr("Aki S.")}); err != nil {
		t.Fatalf("Merge returned error: %v", err)
	}

	got, _ := repo.Get(ctx, "u1")
	if got.DisplayName != "Aki S." {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Aki S.")
	}
	if got.About != "I like long walks" {
		t.Errorf("About = %q, want it unchanged", got.About)
	}
	if got.Email != "a@example.com" {
		t.Errorf("Email = %q, want it unchanged", got.Email)
	}
}

func TestRepository_Merge_EmptyUpdateWritesNothing(t *testing.T) {
	repo := NewRepository(failingStore{}, nil)
	if err := repo.Merge(context.Background(), "u1", model.ProfileUpdate{}); err != nil {
		t.Errorf("expected no write for empty update, got %v", err)
	}
}

func TestRepository_Merge_StoreError(t *testing.T) {
	repo := NewRepository(failingStore{}, nil)
	err := repo.Merge(context.Background(), "u1", model.ProfileUpdate{Phone: strPtr("090")})
	if err == nil || !strings.Contains(err.Error(), "failed to merge profile") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRepository_SanitizesFreeText(t *testing.T) {
	repo := NewRepository(docstore.NewMemoryStore(), tagStripper{})
	ctx := context.Background()

	repo.Create(ctx, &model.Profile{UID: "u1", DisplayName: "<b>Aki", About: "<b>hello"})
	repo.Merge(ctx, "u1", model.ProfileUpdate{Interests: strPtr("<b>art")})

	got, _ := repo.Get(ctx, "u1")
	if got.DisplayName != "Aki" || got.About != "hello" || got.Interests != "art" {
		t.Errorf("free text not sanitized: %+v", got)
	}

	cleaned := repo.Sanitize(model.ProfileUpdate{About: strPtr("<b>x"), Phone: strPtr("<b>1")})
	if *cleaned.About != "x" {
		t.Errorf("Sanitize About = %q, want %q", *cleaned.About, "x")
	}
	if *cleaned.Phone != "<b>1" {
		t.Errorf("Sanitize should not touch Phone, got %q", *cleaned.Phone)
	}
}
