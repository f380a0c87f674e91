package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/kokoro/internal/model"
)

// StateListener は認証状態の変化を受け取るコールバック。
// サインアウト時はnilが渡される。
type StateListener func(user *model.AuthUser)

// Client はブラウザ1つ分の認証状態を保持し、状態変化をリスナーに通知する。
// Restoreが呼ばれるまでは初期化中として扱い、リスナーへの通知を保留する。
type Client struct {
	svc *Service

	// emitMu はリスナー呼び出しを直列化し、イベント順序を保証する。
	emitMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	token       string
	user        *model.AuthUser
	listeners   map[int]StateListener
	nextID      int
}

// NewClient は未初期化のClientを生成する。
func (s *Service) NewClient() *Client {
	return &Client{
		svc:       s,
		listeners: make(map[int]StateListener),
	}
}

// Restore はセッショントークンから認証状態を復元し、初期化を完了する。
// トークンが空・無効・期限切れの場合は未ログイン状態になる。
func (c *Client) Restore(ctx context.Context, token string) {
	var user *model.AuthUser
	if token != "" {
		u, err := c.svc.GetCurrentUser(ctx, token)
		if err != nil {
			slog.Warn("failed to restore session", slog.String("error", err.Error()))
		}
		if u != nil {
			user = u.ToAuthUser()
		} else {
			token = ""
		}
	}
	c.setState(token, user)
}

// CurrentUser は現在のユーザーを返す。未ログインの場合はnil。
func (c *Client) CurrentUser() *model.AuthUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Token は現在のセッショントークンを返す。未ログインの場合は空文字列。
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Subscribe は状態変化のリスナーを登録し、解除関数を返す。
// 初期化済みの場合は現在の状態で即座に1回呼び出す。
// リスナー内からClientの状態を変更する操作を呼んではならない。
func (c *Client) Subscribe(fn StateListener) (unsubscribe func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	initialized := c.initialized
	var current *model.AuthUser
	if c.user != nil {
		u := *c.user
		current = &u
	}
	c.mu.Unlock()

	if initialized {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// CreateUser はユーザーを作成してサインインする。
func (c *Client) CreateUser(ctx context.Context, email, password string) (*model.AuthUser, error) {
	user, session, err := c.svc.CreateUser(ctx, email, password)
	if err != nil {
		return nil, err
	}
	authUser := user.ToAuthUser()
	c.setState(session.ID, authUser)
	return authUser, nil
}

// SignInWithPassword はメール/パスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthUser, error) {
	user, session, err := c.svc.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	authUser := user.ToAuthUser()
	c.setState(session.ID, authUser)
	return authUser, nil
}

// SignInWithGoogle はOAuthの認可コードでサインインする。
func (c *Client) SignInWithGoogle(ctx context.Context, code string) (*model.FederatedUser, error) {
	fed, session, err := c.svc.SignInWithOAuth(ctx, code)
	if err != nil {
		return nil, err
	}
	c.setState(session.ID, fed.User)
	return fed, nil
}

// SendEmailVerification は現在のユーザーに確認メールを送信する。
func (c *Client) SendEmailVerification(ctx context.Context) error {
	user := c.CurrentUser()
	if user == nil {
		return model.NewUnauthenticatedError()
	}
	return c.svc.SendEmailVerification(ctx, user.ID)
}

// SendPasswordResetEmail はパスワードリセットメールを送信する。
func (c *Client) SendPasswordResetEmail(ctx context.Context, email string) error {
	return c.svc.SendPasswordResetEmail(ctx, email)
}

// SignOut はセッションを破棄し、未ログイン状態に戻す。
// バックエンドでの破棄に失敗してもローカル状態はクリアする。
func (c *Client) SignOut(ctx context.Context) error {
	token := c.Token()
	c.setState("", nil)
	if token == "" {
		return nil
	}
	if err := c.svc.Logout(ctx, token); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// Reload はバックエンドから現在のユーザー情報を再取得する。
// メール確認状態が変わった場合はリスナーに通知する。
func (c *Client) Reload(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}
	user, err := c.svc.GetCurrentUser(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to reload user: %w", err)
	}
	if user == nil {
		c.setState("", nil)
		return nil
	}

	current := c.CurrentUser()
	fresh := user.ToAuthUser()
	if current != nil && *current == *fresh {
		return nil
	}
	c.setState(token, fresh)
	return nil
}

// setState は状態を更新し、登録済みリスナーに順番に通知する。
func (c *Client) setState(token string, user *model.AuthUser) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.token = token
	c.user = user
	c.initialized = true
	listeners := make([]StateListener, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		var u *model.AuthUser
		if user != nil {
			copied := *user
			u = &copied
		}
		fn(u)
	}
}
