// Package auth はメール/パスワード認証、Google OAuth認証、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/repository"
)

// ProviderGoogle はGoogleのidentityプロバイダー名。
const ProviderGoogle = "google"

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	PictureURL     string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// EmailSender は確認メール・パスワードリセットメールの送信インターフェース。
type EmailSender interface {
	SendVerification(ctx context.Context, to, link string) error
	SendPasswordReset(ctx context.Context, to, link string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge  int           // セッション有効期間（秒）
	VerifyTokenTTL time.Duration // 確認リンクの有効期間
	ResetTokenTTL  time.Duration // リセットリンクの有効期間
	BaseURL        string        // メール内リンクの生成に使う
	BcryptCost     int           // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
// アプリケーションから見た「マネージド認証サービス」にあたる。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	tokenRepo   repository.TokenRepository
	mailer      EmailSender
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	tokenRepo repository.TokenRepository,
	mailer EmailSender,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		tokenRepo:   tokenRepo,
		mailer:      mailer,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// CreateUser はメール/パスワードでユーザーを作成し、セッションを発行する。
// 作成直後のユーザーはメール未確認状態。
func (s *Service) CreateUser(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, nil, model.NewInvalidInputError("Please enter a valid email address.")
	}
	if password == "" {
		return nil, nil, model.NewInvalidInputError("Password is required.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, model.NewEmailAlreadyInUseError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", "password"),
	)
	return user, session, nil
}

// SignInWithPassword はメール/パスワードで認証し、セッションを発行する。
// メール未確認でも認証自体は成功する。未確認ユーザーの扱いは呼び出し側が決める。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	user, err := s.userRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.PasswordHash == "" {
		// ユーザーの存在有無で応答時間が変わらないようにハッシュ比較を1回行う
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", "password"),
	)
	return user, session, nil
}

// dummyHash は存在しないユーザーに対する比較用のbcryptハッシュ。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("kokoro-dummy-password"), bcrypt.MinCost)

// SignInWithOAuth はOAuthコールバックを処理し、セッションを発行する。
// identityが未登録で同じ確認済みメールアドレスのユーザーがいる場合は紐付ける。
// 紐付け先のメールが未確認なら、そのパスワードとセッションは破棄する。
// どちらもない場合はusersレコードとidentitiesレコードを同時に作成する。
func (s *Service) SignInWithOAuth(ctx context.Context, code string) (*model.FederatedUser, *model.Session, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var user *model.User
	isNewUser := false

	switch {
	case identity != nil:
		user, err = s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, nil, model.NewUserNotFoundError()
		}
	default:
		user, isNewUser, err = s.linkOrCreateUser(ctx, userInfo)
		if err != nil {
			return nil, nil, err
		}
	}

	if userInfo.EmailVerified && !user.EmailVerified {
		if err := s.userRepo.MarkEmailVerified(ctx, user.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to mark email verified: %w", err)
		}
		user.EmailVerified = true
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", userInfo.Provider),
		slog.Bool("new_user", isNewUser),
	)

	return &model.FederatedUser{
		User:        user.ToAuthUser(),
		DisplayName: userInfo.Name,
		PhotoURL:    userInfo.PictureURL,
		IsNewUser:   isNewUser,
	}, session, nil
}

// linkOrCreateUser は未登録identityのユーザーを特定または作成する。
func (s *Service) linkOrCreateUser(ctx context.Context, userInfo *OAuthUserInfo) (*model.User, bool, error) {
	now := time.Now()

	if userInfo.EmailVerified && userInfo.Email != "" {
		existing, err := s.userRepo.FindByEmail(ctx, userInfo.Email)
		if err != nil {
			return nil, false, fmt.Errorf("failed to find user by email: %w", err)
		}
		if existing != nil {
			if !existing.EmailVerified {
				if err := s.dropUnverifiedCredentials(ctx, existing); err != nil {
					return nil, false, err
				}
			}
			identity := &model.Identity{
				ID:             uuid.New().String(),
				UserID:         existing.ID,
				Provider:       userInfo.Provider,
				ProviderUserID: userInfo.ProviderUserID,
				CreatedAt:      now,
			}
			if err := s.identRepo.Create(ctx, identity); err != nil {
				return nil, false, fmt.Errorf("failed to link identity: %w", err)
			}
			return existing, false, nil
		}
	}

	user := &model.User{
		ID:            uuid.New().String(),
		Email:         userInfo.Email,
		EmailVerified: userInfo.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
	}
	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, false, model.NewEmailAlreadyInUseError()
		}
		return nil, false, fmt.Errorf("failed to create user and identity: %w", err)
	}
	return user, true, nil
}

// dropUnverifiedCredentials はメール未確認のアカウントからパスワードとセッションを外す。
// メールアドレスの所有が確認されていないパスワードは、第三者が先に登録したものかもしれない。
// 確認済みのGoogleアカウントと紐付ける前に呼び出す。
func (s *Service) dropUnverifiedCredentials(ctx context.Context, user *model.User) error {
	if user.PasswordHash != "" {
		if err := s.userRepo.UpdatePasswordHash(ctx, user.ID, ""); err != nil {
			return fmt.Errorf("failed to clear unverified password: %w", err)
		}
		user.PasswordHash = ""
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to delete sessions of unverified account: %w", err)
	}
	for _, purpose := range []model.TokenPurpose{model.TokenPurposeVerifyEmail, model.TokenPurposeResetPassword} {
		if err := s.tokenRepo.DeleteByUserAndPurpose(ctx, user.ID, purpose); err != nil {
			return fmt.Errorf("failed to delete tokens of unverified account: %w", err)
		}
	}

	slog.Warn("dropped unverified password credential before linking",
		slog.String("user_id", user.ID),
	)
	return nil
}

// SendEmailVerification は確認メールを送信する。
// 既存の未使用リンクは無効化される。
func (s *Service) SendEmailVerification(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.EmailVerified {
		return nil
	}

	raw, err := s.issueToken(ctx, user.ID, model.TokenPurposeVerifyEmail, s.config.VerifyTokenTTL)
	if err != nil {
		return err
	}

	if err := s.mailer.SendVerification(ctx, user.Email, s.link("/auth/verify", raw)); err != nil {
		slog.Error("failed to send verification email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError()
	}
	return nil
}

// VerifyEmail は確認リンクのトークンを検証し、メールアドレスを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (*model.User, error) {
	token, err := s.tokenRepo.Consume(ctx, hashToken(rawToken), model.TokenPurposeVerifyEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	if token == nil {
		return nil, model.NewInvalidTokenError()
	}

	if err := s.userRepo.MarkEmailVerified(ctx, token.UserID); err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}

	user, err := s.userRepo.FindByID(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.Info("email verified", slog.String("user_id", user.ID))
	return user, nil
}

// SendPasswordResetEmail はパスワードリセットメールを送信する。
// 未登録のメールアドレスでもエラーを返さない（アカウント列挙対策）。
func (s *Service) SendPasswordResetEmail(ctx context.Context, email string) error {
	user, err := s.userRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Info("password reset requested for unknown email")
		return nil
	}

	raw, err := s.issueToken(ctx, user.ID, model.TokenPurposeResetPassword, s.config.ResetTokenTTL)
	if err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, user.Email, s.link("/password/reset", raw)); err != nil {
		slog.Error("failed to send password reset email",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError()
	}
	return nil
}

// ConfirmPasswordReset はリセットリンクのトークンを検証し、パスワードを更新する。
// 更新後は既存セッションをすべて破棄する。
// リンクを受け取れたことがメールアドレスの確認にもなるため確認済みにする。
func (s *Service) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if newPassword == "" {
		return model.NewInvalidInputError("Password is required.")
	}

	token, err := s.tokenRepo.Consume(ctx, hashToken(rawToken), model.TokenPurposeResetPassword)
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	if token == nil {
		return model.NewInvalidTokenError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, token.UserID, string(hash)); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if err := s.userRepo.MarkEmailVerified(ctx, token.UserID); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, token.UserID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	slog.Info("password reset completed", slog.String("user_id", token.UserID))
	return nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合はnilを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateRandomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// issueToken はワンタイムトークンを発行し、平文を返す。
func (s *Service) issueToken(ctx context.Context, userID string, purpose model.TokenPurpose, ttl time.Duration) (string, error) {
	if err := s.tokenRepo.DeleteByUserAndPurpose(ctx, userID, purpose); err != nil {
		return "", fmt.Errorf("failed to revoke old tokens: %w", err)
	}

	raw, err := generateRandomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now()
	token := &model.AuthToken{
		TokenHash: hashToken(raw),
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.tokenRepo.Create(ctx, token); err != nil {
		return "", fmt.Errorf("failed to save token: %w", err)
	}
	return raw, nil
}

func (s *Service) link(path, rawToken string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + path + "?token=" + url.QueryEscape(rawToken)
}

// generateRandomToken は暗号的に安全なランダムトークンを生成する。
func generateRandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュを返す。
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
