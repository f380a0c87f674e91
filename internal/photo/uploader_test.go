package photo

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/storage"
)

// failingObjectStore は常にアップロードに失敗するObjectStore。
type failingObjectStore struct {
	calls int
}

func (s *failingObjectStore) Put(context.Context, string, io.Reader, int64, string) error {
	s.calls++
	return errors.New("connection reset by peer")
}

func (s *failingObjectStore) PublicURL(key string) string { return "" }

func newTestUploader(store storage.ObjectStore) (*Uploader, *mockMetrics) {
	m := &mockMetrics{}
	u := NewUploader(store, m, 1<<20, 64)
	u.now = func() time.Time { return time.UnixMilli(1714550400123) }
	return u, m
}

func TestUpload_StoresAndReturnsPublicURL(t *testing.T) {
	store := storage.NewMemoryStore("https://cdn.example.com")
	u, m := newTestUploader(store)

	url, err := u.Upload(context.Background(), &Blob{Data: jpegBytes(t, 32, 32)}, "aki@example.com")
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	wantKey := "user-photos/aki_at_example_com_1714550400123.jpg"
	if url != "https://cdn.example.com/"+wantKey {
		t.Errorf("url = %q", url)
	}
	obj, ok := store.Get(wantKey)
	if !ok {
		t.Fatalf("object %q not stored", wantKey)
	}
	if obj.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", obj.ContentType)
	}
	if len(m.uploads) != 1 || !m.uploads[0] {
		t.Errorf("uploads = %v, want [true]", m.uploads)
	}
}

func TestUpload_DownscalesLargeImages(t *testing.T) {
	store := storage.NewMemoryStore("https://cdn.example.com")
	u, _ := newTestUploader(store)

	if _, err := u.Upload(context.Background(), &Blob{Data: pngBytes(t, 256, 128)}, "u1"); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	obj, _ := store.Get("user-photos/u1_1714550400123.png")
	w, h := decodedSize(t, obj.Data)
	if w != 64 || h != 32 {
		t.Errorf("size = %dx%d, want 64x32", w, h)
	}
}

func TestUpload_InvalidBlobs(t *testing.T) {
	u, m := newTestUploader(storage.NewMemoryStore(""))

	tests := []struct {
		name string
		blob *Blob
	}{
		{"nil", nil},
		{"empty", &Blob{}},
		{"not an image", &Blob{Data: []byte("%PDF-1.7 not a photo")}},
		{"too large", &Blob{Data: append(jpegBytes(t, 8, 8), make([]byte, 1<<20)...)}},
		{"truncated jpeg", &Blob{Data: jpegBytes(t, 8, 8)[:20]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := u.Upload(context.Background(), tt.blob, "u1")
			if !model.HasCode(err, model.ErrCodeInvalidPhoto) {
				t.Errorf("error = %v, want INVALID_PHOTO", err)
			}
		})
	}
	if len(m.uploads) != 0 {
		t.Errorf("invalid blobs should not reach storage, uploads = %v", m.uploads)
	}
}

func TestUpload_TransportFailureIsUploadErrorWithoutRetry(t *testing.T) {
	store := &failingObjectStore{}
	u, m := newTestUploader(store)

	_, err := u.Upload(context.Background(), &Blob{Data: jpegBytes(t, 8, 8)}, "u1")
	if !model.HasCode(err, model.ErrCodeUploadFailed) {
		t.Fatalf("error = %v, want UPLOAD_FAILED", err)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error should keep the cause, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("Put called %d times, want 1", store.calls)
	}
	if len(m.uploads) != 1 || m.uploads[0] {
		t.Errorf("uploads = %v, want [false]", m.uploads)
	}
}
