// Package errors 定義短網址引擎的錯誤分類
//
// 每個錯誤都帶有一個穩定的錯誤碼，呼叫方用 errors.Is 比對錯誤碼，
// 不需要關心錯誤是在哪一層被包裝的。
package errors

import (
	"errors"
	"fmt"
)

// 錯誤碼
const (
	// CodeAliasTaken 自定義別名或生成的短碼已存在
	CodeAliasTaken = "ALIAS_TAKEN"
	// CodeGenerationExhausted 碰撞重試次數用盡
	CodeGenerationExhausted = "GENERATION_EXHAUSTED"
	// CodeNotFound 短碼不存在或已過期
	CodeNotFound = "NOT_FOUND"
	// CodeInvalidURL 長網址格式或安全檢查失敗
	CodeInvalidURL = "INVALID_URL"
	// CodeInvalidAlias 自定義別名的字元或長度不合法
	CodeInvalidAlias = "INVALID_ALIAS"
	// CodeInvalidExpiry 過期設定不合法
	CodeInvalidExpiry = "INVALID_EXPIRY"
	// CodeDuplicateURL 去重模式下，同一長網址已有映射（內部使用）
	CodeDuplicateURL = "DUPLICATE_URL"
	// CodeStoreUnavailable 持久層 I/O 失敗（可重試）
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	// CodeCacheUnavailable 快取層 I/O 失敗（降級處理，不會回給使用者）
	CodeCacheUnavailable = "CACHE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼判斷是否相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝底層錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的變數，不能直接修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrAliasTaken          = New(CodeAliasTaken, "short code already exists")
	ErrGenerationExhausted = New(CodeGenerationExhausted, "could not allocate a unique short code")
	ErrNotFound            = New(CodeNotFound, "short code not found")
	ErrInvalidURL          = New(CodeInvalidURL, "invalid url")
	ErrInvalidAlias        = New(CodeInvalidAlias, "invalid custom alias")
	ErrInvalidExpiry       = New(CodeInvalidExpiry, "invalid expiry")
	ErrDuplicateURL        = New(CodeDuplicateURL, "long url already mapped")
	ErrStoreUnavailable    = New(CodeStoreUnavailable, "durable store unavailable")
	ErrCacheUnavailable    = New(CodeCacheUnavailable, "cache unavailable")
)

// CodeOf 取出錯誤碼，非 AppError 時回傳空字串
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsAliasTaken 檢查是否為短碼衝突
func IsAliasTaken(err error) bool {
	return CodeOf(err) == CodeAliasTaken
}

// IsRetryable 呼叫方是否可以稍後重試
//
// 只有持久層不可用屬於暫時性錯誤；驗證錯誤與衝突重試也不會成功。
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStoreUnavailable
}

// IsValidation 是否為輸入驗證錯誤
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidURL, CodeInvalidAlias, CodeInvalidExpiry:
		return true
	}
	return false
}
