// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIのトースト通知に表示するメッセージと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, storage, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeEmailAlreadyInUse  = "EMAIL_ALREADY_IN_USE"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnverifiedEmail    = "UNVERIFIED_EMAIL"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeInvalidMood        = "INVALID_MOOD"
	ErrCodeInvalidPhoto       = "INVALID_PHOTO"
	ErrCodeUploadFailed       = "UPLOAD_FAILED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// NewInvalidInputError は入力値エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  reason,
		Category: "validation",
		Action:   "Please check the highlighted fields and try again.",
	}
}

// NewEmailAlreadyInUseError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailAlreadyInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyInUse,
		Message:  "An account with this email already exists.",
		Category: "validation",
		Action:   "Log in instead, or reset your password if you forgot it.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレスの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password.",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewUnverifiedEmailError はメール未確認ユーザーのログインエラーを生成する。
// バックエンドが認証に成功していてもアプリケーションとしてはログイン扱いにしない。
func NewUnverifiedEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeUnverifiedEmail,
		Message:  "Please verify your email before logging in.",
		Category: "auth",
		Action:   "Open the verification link we sent to your inbox.",
	}
}

// NewInvalidTokenError は確認・リセット用トークンの無効エラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "This link is invalid or has expired.",
		Category: "auth",
		Action:   "Request a new link and try again.",
	}
}

// NewInvalidMoodError は気分スコアの範囲外エラーを生成する。
func NewInvalidMoodError(mood int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMood,
		Message:  fmt.Sprintf("Mood must be between %d and %d, got %d.", MoodMin, MoodMax, mood),
		Category: "validation",
		Action:   "Pick a value on the slider from 1 to 10.",
	}
}

// NewInvalidPhotoError は写真ファイルの形式・サイズエラーを生成する。
func NewInvalidPhotoError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhoto,
		Message:  fmt.Sprintf("The selected photo cannot be used: %s", reason),
		Category: "validation",
		Action:   "Choose a JPEG, PNG or WebP image.",
	}
}

// NewUploadError はオブジェクトストレージへのアップロード失敗エラーを生成する。
func NewUploadError() *APIError {
	return &APIError{
		Code:     ErrCodeUploadFailed,
		Message:  "Uploading your photo failed.",
		Category: "storage",
		Action:   "Please try again in a moment.",
	}
}

// NewNetworkError はバックエンドとの通信失敗エラーを生成する。
func NewNetworkError() *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  "We could not reach the server.",
		Category: "system",
		Action:   "Check your connection and try again.",
	}
}

// NewPermissionDeniedError はカメラ等デバイスへのアクセス拒否エラーを生成する。
func NewPermissionDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePermissionDenied,
		Message:  "Access to the camera was denied.",
		Category: "system",
		Action:   "Allow camera access or upload a photo instead.",
	}
}

// NewUnauthenticatedError は未ログインエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "You need to log in first.",
		Category: "auth",
		Action:   "Log in and try again.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// HasCode はerrのチェーンに指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// UserMessage はトースト通知に表示するメッセージを返す。
// APIError以外はネットワークエラーとして扱う。
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return NewNetworkError().Message
}
