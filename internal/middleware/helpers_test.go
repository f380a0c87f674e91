package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/auth"
	"github.com/hitoshi/kokoro/internal/model"
)

// stubClient は初期化済みの状態を即座に通知するaccount.AuthClient。
type stubClient struct {
	user  *model.AuthUser
	token string
	// pending がtrueの場合はSubscribeで通知せず、初期化中のままにする。
	pending bool
}

func (c *stubClient) Restore(context.Context, string) {}
func (c *stubClient) Subscribe(fn auth.StateListener) func() {
	if !c.pending {
		fn(c.user)
	}
	return func() {}
}
func (c *stubClient) CurrentUser() *model.AuthUser { return c.user }
func (c *stubClient) Token() string                { return c.token }
func (c *stubClient) CreateUser(context.Context, string, string) (*model.AuthUser, error) {
	return nil, nil
}
func (c *stubClient) SignInWithPassword(context.Context, string, string) (*model.AuthUser, error) {
	return nil, nil
}
func (c *stubClient) SignInWithGoogle(context.Context, string) (*model.FederatedUser, error) {
	return nil, nil
}
func (c *stubClient) SendEmailVerification(context.Context) error          { return nil }
func (c *stubClient) SendPasswordResetEmail(context.Context, string) error { return nil }
func (c *stubClient) SignOut(context.Context) error                        { return nil }
func (c *stubClient) Reload(context.Context) error                         { return nil }

// emptyProfiles は常にプロフィールなしを返すaccount.ProfileStore。
type emptyProfiles struct{}

func (emptyProfiles) Get(context.Context, string) (*model.Profile, error)      { return nil, nil }
func (emptyProfiles) Create(context.Context, *model.Profile) error             { return nil }
func (emptyProfiles) Merge(context.Context, string, model.ProfileUpdate) error { return nil }
func (emptyProfiles) Sanitize(u model.ProfileUpdate) model.ProfileUpdate       { return u }

// newTestProvider は初期状態の解決が完了したProviderを返す。
// userがnilの場合は未ログイン状態になる。
func newTestProvider(t *testing.T, user *model.AuthUser, token string) *account.Provider {
	t.Helper()
	p := account.NewProvider(&stubClient{user: user, token: token}, emptyProfiles{}, nil)
	p.Start()
	t.Cleanup(p.Close)
	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("provider did not become ready")
	}
	return p
}

// newLoadingProvider は初期状態を解決中のままのProviderを返す。
func newLoadingProvider(t *testing.T) *account.Provider {
	t.Helper()
	p := account.NewProvider(&stubClient{pending: true}, emptyProfiles{}, nil)
	p.Start()
	t.Cleanup(p.Close)
	return p
}

// staticSource は常に同じProviderを返すProviderSource。
type staticSource struct {
	provider *account.Provider
	clientID string
	token    string
}

func (s *staticSource) Provider(clientID, token string) *account.Provider {
	s.clientID = clientID
	s.token = token
	return s.provider
}
