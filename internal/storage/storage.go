// Package storage はプロフィール写真を保存するオブジェクトストレージを提供する。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ObjectStore はオブジェクトのアップロードと公開URLの解決を行う。
type ObjectStore interface {
	// Put はkeyにオブジェクトを保存する。sizeが不明な場合は-1を渡す。
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// PublicURL はkeyの公開URLを返す。
	PublicURL(key string) string
}

// Object はMemoryStoreに保存されたオブジェクト。
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore はメモリ上のObjectStore。テストとローカル実行に使う。
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]Object),
	}
}

// Put はオブジェクトを保存する。
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	s.mu.Lock()
	s.objects[key] = Object{Data: buf.Bytes(), ContentType: contentType}
	s.mu.Unlock()
	return nil
}

// PublicURL は公開URLを返す。
func (s *MemoryStore) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

// Get は保存済みのオブジェクトを返す。
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// compile-time interface check
var _ ObjectStore = (*MemoryStore)(nil)
