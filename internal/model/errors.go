package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// センチネルエラー。サービス層はこれらをラップして返し、ハンドラーがAPIErrorへ変換する。
var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrUpstreamNotConfigured = errors.New("upstream credentials not configured")
	ErrAccountNotConnected   = errors.New("account not connected")
	ErrSubjectNotFound       = errors.New("subject not found")
	ErrExternalAccountOwned  = errors.New("external account already linked to another subject")
)

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInvalidParameter      = "INVALID_PARAMETER"
	ErrCodeAccountNotConnected   = "ACCOUNT_NOT_CONNECTED"
	ErrCodeUnknownPlatform       = "UNKNOWN_PLATFORM"
	ErrCodeUpstreamNotConfigured = "UPSTREAM_NOT_CONFIGURED"
	ErrCodeCSRFValidation        = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewUnauthenticatedError は認証エラーを生成する。
func NewUnauthenticatedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定されたリソースが見つかりません: %s", what),
		Category: "validation",
		Action:   "IDを確認してください。",
	}
}

// NewInvalidParameterError はパラメータ不正エラーを生成する。
func NewInvalidParameterError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("パラメータが不正です: %s", name),
		Category: "validation",
		Action:   "リクエストパラメータを確認してください。",
	}
}

// NewAccountNotConnectedError は外部アカウント未連携エラーを生成する。
func NewAccountNotConnectedError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotConnected,
		Message:  fmt.Sprintf("%s アカウントが連携されていません。", platform),
		Category: "account",
		Action:   "アカウント設定から連携を行ってください。",
	}
}

// NewUnknownPlatformError は未知のプラットフォーム指定エラーを生成する。
func NewUnknownPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "steam, riot, epic, playstation, xbox のいずれかを指定してください。",
	}
}

// NewUpstreamNotConfiguredError は上流APIの認証情報未設定エラーを生成する。
func NewUpstreamNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamNotConfigured,
		Message:  "Steam APIキーが設定されていません。",
		Category: "upstream",
		Action:   "管理者に連絡してください。",
	}
}

// NewCSRFValidationError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidation,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が上限を超えました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
