package handler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/kokoro/internal/account"
	"github.com/hitoshi/kokoro/internal/auth"
	"github.com/hitoshi/kokoro/internal/docstore"
	"github.com/hitoshi/kokoro/internal/middleware"
	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/mood"
	"github.com/hitoshi/kokoro/internal/photo"
	"github.com/hitoshi/kokoro/internal/profile"
	"github.com/hitoshi/kokoro/internal/storage"
)

// --- モック定義 ---

// fakeAuthClient はメモリ上で認証状態を持つaccount.AuthClient。
// サインイン系の操作が成功すると状態を更新してリスナーに通知する。
type fakeAuthClient struct {
	mu       sync.Mutex
	user     *model.AuthUser
	token    string
	pending  bool
	listener auth.StateListener

	createUserFn         func(email, password string) (*model.AuthUser, error)
	signInWithPasswordFn func(email, password string) (*model.AuthUser, error)
	signInWithGoogleFn   func(code string) (*model.FederatedUser, error)
	reloadFn             func(current *model.AuthUser) *model.AuthUser
	resetEmails          []string
}

func (c *fakeAuthClient) setSession(user *model.AuthUser, token string) {
	c.mu.Lock()
	c.user = user
	c.token = token
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(user)
	}
}

func (c *fakeAuthClient) Restore(context.Context, string) {}

func (c *fakeAuthClient) Subscribe(fn auth.StateListener) func() {
	c.mu.Lock()
	c.listener = fn
	user, pending := c.user, c.pending
	c.mu.Unlock()
	if !pending {
		fn(user)
	}
	return func() {
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
	}
}

func (c *fakeAuthClient) CurrentUser() *model.AuthUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *fakeAuthClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeAuthClient) CreateUser(_ context.Context, email, password string) (*model.AuthUser, error) {
	user := &model.AuthUser{ID: "new-user", Email: email}
	if c.createUserFn != nil {
		u, err := c.createUserFn(email, password)
		if err != nil {
			return nil, err
		}
		user = u
	}
	c.setSession(user, "token-"+user.ID)
	return user, nil
}

func (c *fakeAuthClient) SignInWithPassword(_ context.Context, email, password string) (*model.AuthUser, error) {
	if c.signInWithPasswordFn == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	user, err := c.signInWithPasswordFn(email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(user, "token-"+user.ID)
	return user, nil
}

func (c *fakeAuthClient) SignInWithGoogle(_ context.Context, code string) (*model.FederatedUser, error) {
	if c.signInWithGoogleFn == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	fed, err := c.signInWithGoogleFn(code)
	if err != nil {
		return nil, err
	}
	c.setSession(fed.User, "token-"+fed.User.ID)
	return fed, nil
}

func (c *fakeAuthClient) SendEmailVerification(context.Context) error { return nil }

func (c *fakeAuthClient) SendPasswordResetEmail(_ context.Context, email string) error {
	c.mu.Lock()
	c.resetEmails = append(c.resetEmails, email)
	c.mu.Unlock()
	return nil
}

func (c *fakeAuthClient) SignOut(context.Context) error {
	c.setSession(nil, "")
	return nil
}

func (c *fakeAuthClient) Reload(context.Context) error {
	if c.reloadFn != nil {
		c.setSession(c.reloadFn(c.CurrentUser()), c.Token())
	}
	return nil
}

type mockAuthService struct {
	getLoginURLFn          func(state string) string
	verifyEmailFn          func(ctx context.Context, rawToken string) (*model.User, error)
	confirmPasswordResetFn func(ctx context.Context, rawToken, newPassword string) error
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, rawToken string) (*model.User, error) {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, rawToken)
	}
	return nil, model.NewInvalidTokenError()
}

func (m *mockAuthService) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if m.confirmPasswordResetFn != nil {
		return m.confirmPasswordResetFn(ctx, rawToken, newPassword)
	}
	return nil
}

type fakeCapturer struct {
	enabled bool
	blob    *photo.Blob
	calls   int
}

func (c *fakeCapturer) Enabled() bool { return c.enabled }

func (c *fakeCapturer) Capture(context.Context) *photo.Blob {
	c.calls++
	return c.blob
}

type fakeImporter struct {
	importFn func(ctx context.Context, rawURL string) (*photo.Blob, error)
}

func (f *fakeImporter) Import(ctx context.Context, rawURL string) (*photo.Blob, error) {
	if f.importFn != nil {
		return f.importFn(ctx, rawURL)
	}
	return nil, model.NewInvalidPhotoError("the photo URL is not allowed")
}

type fakeHealthChecker struct {
	err error
}

func (f fakeHealthChecker) PingContext(context.Context) error { return f.err }

// staticSource は常に同じProviderを返すProviderSource。
type staticSource struct {
	provider *account.Provider
}

func (s staticSource) Provider(string, string) *account.Provider { return s.provider }

// --- テスト環境 ---

const (
	testCSRFToken = "test-csrf-token"
	testCDN       = "https://cdn.example.com/photos"
)

// testEnv はルーター全体をメモリ上の依存で組み立てたテスト環境。
// レスポンスのCookieを保持し、次のリクエストに付け直す。
type testEnv struct {
	t        *testing.T
	client   *fakeAuthClient
	provider *account.Provider
	docs     *docstore.MemoryStore
	profiles *profile.Repository
	moods    *mood.Service
	objects  *storage.MemoryStore
	auth     *mockAuthService
	capturer *fakeCapturer
	importer *fakeImporter
	router   http.Handler
	cookies  map[string]*http.Cookie
}

type envOption func(*testEnv, *RouterDeps)

func withGuardWait(d time.Duration) envOption {
	return func(_ *testEnv, deps *RouterDeps) { deps.GuardWait = d }
}

func withHealthChecker(c HealthChecker) envOption {
	return func(_ *testEnv, deps *RouterDeps) { deps.HealthChecker = c }
}

// withProfile はProviderの開始前にプロフィールを保存しておく。
func withProfile(p *model.Profile) envOption {
	return func(env *testEnv, _ *RouterDeps) {
		if err := env.profiles.Create(context.Background(), p); err != nil {
			env.t.Fatalf("failed to seed profile: %v", err)
		}
	}
}

// newTestEnv はuserでログイン済み（nilなら未ログイン）のテスト環境を返す。
func newTestEnv(t *testing.T, user *model.AuthUser, opts ...envOption) *testEnv {
	t.Helper()
	client := &fakeAuthClient{user: user}
	if user != nil {
		client.token = "token-" + user.ID
	}
	return newTestEnvWithClient(t, client, opts...)
}

func newTestEnvWithClient(t *testing.T, client *fakeAuthClient, opts ...envOption) *testEnv {
	t.Helper()

	docs := docstore.NewMemoryStore()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	env := &testEnv{
		t:        t,
		client:   client,
		docs:     docs,
		profiles: profile.NewRepository(docs, nil),
		moods:    mood.NewService(docs, nil, 0),
		objects:  storage.NewMemoryStore(testCDN),
		auth:     &mockAuthService{},
		capturer: &fakeCapturer{},
		importer: &fakeImporter{},
		cookies:  map[string]*http.Cookie{},
	}

	deps := &RouterDeps{
		Cookies:           middleware.CookieConfig{SessionMaxAge: 3600},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		Flash:             middleware.NewFlashStore("0123456789abcdef0123456789abcdef", middleware.CookieConfig{}),
		GuardWait:         time.Second,
		MetricsHandler:    http.NotFoundHandler(),
		AuthService:       env.auth,
		MoodService:       env.moods,
		Uploader:          photo.NewUploader(env.objects, nil, 0, 0),
		Capturer:          env.capturer,
		Importer:          env.importer,
	}
	for _, opt := range opts {
		opt(env, deps)
	}

	// オプションで投入したプロフィールを初回取得で読み込ませるため、最後に開始する
	env.provider = account.NewProvider(client, env.profiles, nil)
	env.provider.Start()
	t.Cleanup(env.provider.Close)
	if !client.pending {
		select {
		case <-env.provider.Ready():
		case <-time.After(time.Second):
			t.Fatal("provider did not become ready")
		}
	}
	deps.Providers = staticSource{provider: env.provider}

	router, err := NewRouter(deps)
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}
	env.router = router

	env.cookies[middleware.ClientCookieName] = &http.Cookie{Name: middleware.ClientCookieName, Value: "client-1"}
	env.cookies["csrf_token"] = &http.Cookie{Name: "csrf_token", Value: testCSRFToken}
	if token := client.Token(); token != "" {
		env.cookies[middleware.SessionCookieName] = &http.Cookie{Name: middleware.SessionCookieName, Value: token}
	}
	return env
}

// do は保持しているCookieを付けてリクエストを処理し、レスポンスのCookieを取り込む。
func (e *testEnv) do(req *http.Request) *http.Response {
	e.t.Helper()
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	resp := w.Result()
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 {
			delete(e.cookies, c.Name)
			continue
		}
		e.cookies[c.Name] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return resp
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// postForm はCSRFトークン付きのフォームを送信する。
func (e *testEnv) postForm(path string, values url.Values) *http.Response {
	e.t.Helper()
	if values == nil {
		values = url.Values{}
	}
	values.Set(middleware.CSRFFormField, testCSRFToken)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

// sendJSON はCSRFヘッダー付きのJSONリクエストを送信する。
func (e *testEnv) sendJSON(method, path, body string) *http.Response {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	return e.do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(b)
}

func assertRedirect(t *testing.T, resp *http.Response, status int, location string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	if got := resp.Header.Get("Location"); got != location {
		t.Errorf("Location = %q, want %q", got, location)
	}
}

func verifiedUser() *model.AuthUser {
	return &model.AuthUser{ID: "user-1", Email: "aki@example.com", EmailVerified: true}
}

// jpegBytes はw×hの単色JPEGを返す。
func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}
