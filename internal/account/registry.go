package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/kokoro/internal/metrics"
)

// RegistryConfig はRegistryの設定を保持する。
type RegistryConfig struct {
	IdleTimeout     time.Duration // 最終アクセスからProviderを破棄するまでの時間
	CleanupInterval time.Duration // アイドルエントリの確認間隔
}

// DefaultRegistryConfig はデフォルトのRegistry設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTimeout:     30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type clientEntry struct {
	provider   *Provider
	lastAccess time.Time
}

// Registry はブラウザのクライアントIDごとにProviderを保持する。
// アイドル状態が続いたProviderはバックグラウンドで破棄される。
type Registry struct {
	config    RegistryConfig
	newClient func() AuthClient
	profiles  ProfileStore
	metrics   metrics.MetricsCollector

	mu      sync.Mutex
	entries map[string]*clientEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry はRegistryを生成し、アイドルエントリのクリーンアップを開始する。
func NewRegistry(config RegistryConfig, newClient func() AuthClient, profiles ProfileStore, m metrics.MetricsCollector) *Registry {
	if m == nil {
		m = metrics.Nop{}
	}
	r := &Registry{
		config:    config,
		newClient: newClient,
		profiles:  profiles,
		metrics:   m,
		entries:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Provider はクライアントIDに対応するProviderを返す。
// 未登録の場合は生成し、tokenからのセッション復元を非同期に開始する。
// ログイン中のProviderのトークンがtokenと食い違う場合は作り直す。
// Provider側が未ログインでtokenだけが残っている場合は作り直さず、
// 呼び出し側でCookieを削除する。
func (r *Registry) Provider(clientID, token string) *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if e, ok := r.entries[clientID]; ok {
		current := e.provider.Token()
		if e.provider.Loading() || current == "" || current == token {
			e.lastAccess = now
			return e.provider
		}
		slog.Info("session token changed, recreating provider", slog.String("client_id", clientID))
		e.provider.Close()
	}

	client := r.newClient()
	p := NewProvider(client, r.profiles, r.metrics)
	p.Start()
	go client.Restore(context.Background(), token)

	r.entries[clientID] = &clientEntry{provider: p, lastAccess: now}
	r.metrics.SetActiveClients(len(r.entries))
	return p
}

// Count は保持しているProviderの数を返す。
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close はクリーンアップを停止し、すべてのProviderを破棄する。
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.provider.Close()
		delete(r.entries, id)
	}
	r.metrics.SetActiveClients(0)
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// evictIdle は最終アクセスからIdleTimeoutを超えたProviderを破棄する。
func (r *Registry) evictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		if now.Sub(e.lastAccess) > r.config.IdleTimeout {
			e.provider.Close()
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.metrics.SetActiveClients(len(r.entries))
		slog.Debug("evicted idle clients", slog.Int("count", evicted))
	}
	return evicted
}
