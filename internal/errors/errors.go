// Package errors 定义跨链编排使用的错误码目录。
//
// 每个错误码在目录中登记默认文案与处置属性（严重程度、是否可重试、是否告警、
// 是否属于内部缺陷）。业务包在 init 中登记自己的错误码，API 层与告警层只按
// 错误码查询属性，不解析错误文本。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// Internal 表示该错误源于编排缺陷，而非用户或网络状况。
	Internal bool
}

// 通用错误码，各业务包在此之上登记领域错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	// CodeInternal 仅用于对外响应，替换带有 Internal 属性的错误码。
	CodeInternal Code = "INTERNAL"
)

var catalog = struct {
	sync.RWMutex
	byCode map[Code]Attributes
}{byCode: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true, Internal: true},
	CodeInternal:              {Message: "internal error", Severity: SeverityCritical, Alert: true, Internal: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeUnauthenticated:       {Message: "authentication required", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodePermissionDenied:      {Message: "permission denied", Severity: SeverityWarning},
	CodeUpstreamFailure:       {Message: "upstream service failure", Severity: SeverityWarning, Retryable: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, Internal: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
}}

// Register 登记或覆盖错误码属性，应在包初始化阶段调用。
func Register(code Code, attr Attributes) {
	catalog.Lock()
	catalog.byCode[code] = attr
	catalog.Unlock()
}

// AttributesOf 返回错误码对应的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	catalog.RLock()
	defer catalog.RUnlock()
	if attr, ok := catalog.byCode[code]; ok {
		return attr
	}
	return catalog.byCode[CodeUnknown]
}

// Error 携带错误码与可选的底层原因。
type Error struct {
	code    Code
	message string
	cause   error
}

// New 创建错误；message 为空时使用错误码登记的默认文案。
func New(code Code, message string) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 以错误码包裹 cause，errors.Is/As 仍可穿透到 cause。
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From 在错误链上查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上第一个错误码；普通 error 视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断错误是否值得重试。普通 error 不重试。
func RetryableError(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return AttributesOf(CodeOf(err)).Retryable
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return AttributesOf(CodeOf(err)).Alert
}

// IsInternal 判断错误是否属于内部缺陷，这类错误不应原样暴露给终端用户。
func IsInternal(err error) bool {
	if err == nil {
		return false
	}
	return AttributesOf(CodeOf(err)).Internal
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}
