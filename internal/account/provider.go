// Package account はブラウザ1つ分のセッションとプロフィールの状態を保持する。
//
// Provider は認証クライアントの状態変化を購読し、変化のたびにプロフィールを
// 取得してローカルキャッシュに反映する。画面はProviderの状態を読み、
// 各操作の結果はNotificationとしてキューに積まれる。
package account

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/kokoro/internal/auth"
	"github.com/hitoshi/kokoro/internal/metrics"
	"github.com/hitoshi/kokoro/internal/model"
)

// AuthClient はProviderが利用する認証クライアントの操作。
// auth.Clientが実装する。
type AuthClient interface {
	Restore(ctx context.Context, token string)
	Subscribe(fn auth.StateListener) (unsubscribe func())
	CurrentUser() *model.AuthUser
	Token() string
	CreateUser(ctx context.Context, email, password string) (*model.AuthUser, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthUser, error)
	SignInWithGoogle(ctx context.Context, code string) (*model.FederatedUser, error)
	SendEmailVerification(ctx context.Context) error
	SendPasswordResetEmail(ctx context.Context, email string) error
	SignOut(ctx context.Context) error
	Reload(ctx context.Context) error
}

// ProfileStore はプロフィールドキュメントの読み書き。
// profile.Repositoryが実装する。
type ProfileStore interface {
	Get(ctx context.Context, uid string) (*model.Profile, error)
	Create(ctx context.Context, p *model.Profile) error
	Merge(ctx context.Context, uid string, u model.ProfileUpdate) error
	Sanitize(u model.ProfileUpdate) model.ProfileUpdate
}

// 認証操作のメトリクスラベル。
const (
	OpRegister      = "register"
	OpLogin         = "login"
	OpGoogleLogin   = "google_login"
	OpLogout        = "logout"
	OpPasswordReset = "password_reset"
	OpProfileUpdate = "profile_update"
)

// Provider はセッション・プロフィール・読み込み中フラグを公開する。
type Provider struct {
	client   AuthClient
	profiles ProfileStore
	metrics  metrics.MetricsCollector

	mu            sync.Mutex
	session       *model.AuthUser
	profile       *model.Profile
	loading       bool
	firstEvent    bool
	notifications []Notification
	listeners     []sessionListener
	nextListener  int
	unsubscribe   func()

	ready     chan struct{}
	readyOnce sync.Once
	fetches   sync.WaitGroup
}

// NewProvider はProviderを生成する。Startを呼ぶまで状態変化を購読しない。
func NewProvider(client AuthClient, profiles ProfileStore, m metrics.MetricsCollector) *Provider {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Provider{
		client:     client,
		profiles:   profiles,
		metrics:    m,
		loading:    true,
		firstEvent: true,
		ready:      make(chan struct{}),
	}
}

// Start は認証クライアントの状態変化の購読を開始する。
func (p *Provider) Start() {
	unsubscribe := p.client.Subscribe(p.onAuthStateChanged)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

// Close は購読を解除する。実行中のプロフィール取得は中断しない。
func (p *Provider) Close() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// onAuthStateChanged は状態変化ごとにプロフィール取得を1回開始する。
// 先に始まった取得は取り消さないため、応答順が逆転すると
// 一時的に古いセッションのプロフィールが表示されることがある。
func (p *Provider) onAuthStateChanged(user *model.AuthUser) {
	p.mu.Lock()
	prev := p.session
	p.session = user
	first := p.firstEvent
	p.firstEvent = false
	if user == nil || (prev != nil && prev.ID != user.ID) {
		p.profile = nil
	}
	listeners := append([]sessionListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.fn(user)
	}

	if user == nil {
		p.finishLoading(first)
		return
	}

	p.fetches.Add(1)
	go func() {
		defer p.fetches.Done()
		p.fetchProfile(user.ID)
		p.finishLoading(first)
	}()
}

func (p *Provider) fetchProfile(uid string) {
	profile, err := p.profiles.Get(context.Background(), uid)
	if err != nil {
		slog.Error("failed to fetch user profile",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return
	}
	if profile == nil {
		return
	}

	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
}

func (p *Provider) finishLoading(first bool) {
	if !first {
		return
	}
	p.mu.Lock()
	p.loading = false
	p.mu.Unlock()
	p.readyOnce.Do(func() { close(p.ready) })
}

// Session は現在のセッションを返す。未ログインの場合はnil。
func (p *Provider) Session() *model.AuthUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	s := *p.session
	return &s
}

// Profile はキャッシュ済みのプロフィールを返す。未取得の場合はnil。
func (p *Provider) Profile() *model.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profile == nil {
		return nil
	}
	copied := *p.profile
	return &copied
}

// Loading は初期状態の解決中かを返す。
func (p *Provider) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Ready は初期状態の解決が完了するとクローズされるチャネルを返す。
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Token は現在のセッショントークンを返す。
func (p *Provider) Token() string {
	return p.client.Token()
}

// OnSessionChange はセッション変化のリスナーを登録する。
// 気分履歴の購読など、セッションに紐づく資源の解放に使う。
func (p *Provider) OnSessionChange(fn func(*model.AuthUser)) (remove func()) {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners = append(p.listeners, sessionListener{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

type sessionListener struct {
	id int
	fn func(*model.AuthUser)
}

// Register はアカウントを作成し、確認メールを送信して初期プロフィールを書き込む。
// プロフィールのemailVerifiedは常にfalseで作成する。
func (p *Provider) Register(ctx context.Context, email, password string, fields model.ProfileFields) error {
	user, err := p.client.CreateUser(ctx, email, password)
	if err != nil {
		return p.fail(OpRegister, err)
	}

	if err := p.client.SendEmailVerification(ctx); err != nil {
		return p.fail(OpRegister, err)
	}

	profile := &model.Profile{
		UID:           user.ID,
		Email:         user.Email,
		DisplayName:   fields.DisplayName,
		PhotoURL:      fields.PhotoURL,
		Phone:         fields.Phone,
		Age:           fields.Age,
		Interests:     fields.Interests,
		About:         fields.About,
		EmailVerified: false,
	}
	if err := p.profiles.Create(ctx, profile); err != nil {
		return p.fail(OpRegister, err)
	}
	p.cacheCreatedProfile(profile)

	p.succeed(OpRegister, "Account created! Please check your email for verification.")
	return nil
}

// Authenticate はメール/パスワードでログインする。
// メール未確認の場合はその場でセッションを終了し、UnverifiedEmailErrorを返す。
func (p *Provider) Authenticate(ctx context.Context, email, password string) error {
	user, err := p.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return p.fail(OpLogin, err)
	}

	if !user.EmailVerified {
		if err := p.client.SignOut(ctx); err != nil {
			slog.Warn("failed to end unverified session", slog.String("error", err.Error()))
		}
		return p.fail(OpLogin, model.NewUnverifiedEmailError())
	}

	p.succeed(OpLogin, "Welcome back!")
	return nil
}

// AuthenticateFederated はGoogleの認可コードでログインする。
// プロフィールがない場合はIDプロバイダーの基本情報から作成する。
// 既存のプロフィールは項目を上書きせず、確認済みフラグだけ同期する。
func (p *Provider) AuthenticateFederated(ctx context.Context, code string) error {
	fed, err := p.client.SignInWithGoogle(ctx, code)
	if err != nil {
		return p.fail(OpGoogleLogin, err)
	}

	existing, err := p.profiles.Get(ctx, fed.User.ID)
	if err != nil {
		return p.fail(OpGoogleLogin, err)
	}
	if existing == nil {
		profile := &model.Profile{
			UID:           fed.User.ID,
			Email:         fed.User.Email,
			DisplayName:   fed.DisplayName,
			PhotoURL:      fed.PhotoURL,
			EmailVerified: fed.User.EmailVerified,
		}
		if err := p.profiles.Create(ctx, profile); err != nil {
			return p.fail(OpGoogleLogin, err)
		}
		p.cacheCreatedProfile(profile)
	} else if !existing.EmailVerified && fed.User.EmailVerified {
		// パスワード登録後に未確認のままGoogleで紐付けられたアカウント
		if err := p.markProfileVerified(ctx, fed.User.ID); err != nil {
			return p.fail(OpGoogleLogin, err)
		}
	}

	p.succeed(OpGoogleLogin, "Successfully signed in with Google!")
	return nil
}

// EndSession はセッションを終了し、プロフィールキャッシュをクリアする。
func (p *Provider) EndSession(ctx context.Context) error {
	if err := p.client.SignOut(ctx); err != nil {
		return p.fail(OpLogout, err)
	}

	p.mu.Lock()
	p.profile = nil
	p.mu.Unlock()

	p.succeed(OpLogout, "Successfully logged out")
	return nil
}

// RequestPasswordReset はパスワードリセットメールを依頼する。
// 登録の有無にかかわらず同じ成功通知を出す。
func (p *Provider) RequestPasswordReset(ctx context.Context, email string) error {
	if err := p.client.SendPasswordResetEmail(ctx, email); err != nil {
		return p.fail(OpPasswordReset, err)
	}
	p.succeed(OpPasswordReset, "Password reset email sent!")
	return nil
}

// UpdateProfile はプロフィールを部分更新し、ローカルキャッシュにも反映する。
// 未ログインの場合は何もしない。
func (p *Provider) UpdateProfile(ctx context.Context, update model.ProfileUpdate) error {
	user := p.Session()
	if user == nil {
		return nil
	}

	update = p.profiles.Sanitize(update)
	if err := p.profiles.Merge(ctx, user.ID, update); err != nil {
		return p.fail(OpProfileUpdate, err)
	}

	p.mu.Lock()
	if p.profile != nil {
		merged := update.ApplyTo(*p.profile)
		p.profile = &merged
	}
	p.mu.Unlock()

	p.succeed(OpProfileUpdate, "Profile updated successfully!")
	return nil
}

// Refresh は認証サービスからユーザー情報を再取得する。
// メール確認が済んでいればプロフィールのemailVerifiedも更新する。
func (p *Provider) Refresh(ctx context.Context) error {
	if err := p.client.Reload(ctx); err != nil {
		return err
	}

	user := p.Session()
	if user == nil || !user.EmailVerified {
		return nil
	}
	profile := p.Profile()
	if profile != nil && profile.EmailVerified {
		return nil
	}

	return p.markProfileVerified(ctx, user.ID)
}

// markProfileVerified はプロフィールのemailVerifiedをtrueにし、キャッシュにも反映する。
func (p *Provider) markProfileVerified(ctx context.Context, uid string) error {
	verified := true
	update := model.ProfileUpdate{EmailVerified: &verified}
	if err := p.profiles.Merge(ctx, uid, update); err != nil {
		return err
	}
	p.mu.Lock()
	if p.profile != nil && p.profile.UID == uid {
		merged := update.ApplyTo(*p.profile)
		p.profile = &merged
	}
	p.mu.Unlock()
	return nil
}

// cacheCreatedProfile は作成直後のプロフィールを、同じユーザーのセッションで
// まだ取得できていない場合に限りキャッシュする。
func (p *Provider) cacheCreatedProfile(profile *model.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profile == nil && p.session != nil && p.session.ID == profile.UID {
		copied := *profile
		p.profile = &copied
	}
}

// Notifications は溜まった通知を取り出してキューを空にする。
func (p *Provider) Notifications() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.notifications
	p.notifications = nil
	return out
}

func (p *Provider) notify(n Notification) {
	p.mu.Lock()
	p.notifications = append(p.notifications, n)
	p.mu.Unlock()
}

func (p *Provider) succeed(op, message string) {
	p.metrics.RecordAuthOperation(op, true)
	p.notify(Notification{Level: LevelSuccess, Message: message})
}

// fail は失敗通知を積んでエラーを返す。
// APIError以外の失敗は通信エラーとして呼び出し元に返す。
func (p *Provider) fail(op string, err error) error {
	p.metrics.RecordAuthOperation(op, false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("account operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		apiErr = model.NewNetworkError()
	}
	p.notify(Notification{Level: LevelError, Message: apiErr.Message})
	return apiErr
}

// waitFetches は実行中のプロフィール取得の完了を待つ。テスト用。
func (p *Provider) waitFetches() {
	p.fetches.Wait()
}
