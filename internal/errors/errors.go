// Package errors 定义路由服务统一使用的错误码、严重程度与错误类型。
package errors

import (
	stdErrors "errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
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
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeCanceled              Code = "CANCELED"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeBackendFailure        Code = "BACKEND_FAILURE"
)

var (
	mu    sync.RWMutex
	known = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeCanceled:              {Message: "operation canceled", Severity: SeverityInfo},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeBackendFailure:        {Message: "backend call failed", Severity: SeverityWarning, Retryable: true},
	}
)

// Register 在初始化阶段登记错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	mu.Lock()
	known[code] = attr
	mu.Unlock()
}

// AttributesOf 返回错误码对应的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	mu.RLock()
	defer mu.RUnlock()
	attr, ok := known[code]
	if !ok {
		attr = known[CodeUnknown]
	}
	return attr
}

// Registered 按字典序返回已登记的错误码。
func Registered() []Code {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(known))
}

type overrideMask uint8

const (
	overrideRetryable overrideMask = 1 << iota
	overrideAlert
	overrideSeverity
)

// Error 是系统内统一的错误类型。未被 Option 覆盖的属性在读取时才查询登记表，
// 因此包级哨兵错误可以早于 init 中的 Register 构造。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string

	override Attributes
	set      overrideMask
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.override.Retryable = retryable
		e.set |= overrideRetryable
	}
}

// WithAlert 覆盖错误码默认的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.override.Alert = alert
		e.set |= overrideAlert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.override.Severity = sev
		e.set |= overrideSeverity
	}
}

// New 创建错误。message 为空时使用错误码登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	if e.set&overrideRetryable != 0 {
		attr.Retryable = e.override.Retryable
	}
	if e.set&overrideAlert != 0 {
		attr.Alert = e.override.Alert
	}
	if e.set&overrideSeverity != 0 {
		attr.Severity = e.override.Severity
	}
	return attr
}

// Error 实现 error 接口，格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.Message())
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// LogValue 实现 slog.LogValuer，日志中以分组形式输出错误码与原因。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.Message()),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for _, k := range slices.Sorted(maps.Keys(e.metadata)) {
		attrs = append(attrs, slog.String(k, e.metadata[k]))
	}
	return slog.GroupValue(attrs...)
}

// Unwrap 返回被包裹的原因。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的描述。
func (e *Error) Message() string {
	switch {
	case e == nil:
		return ""
	case e.message != "":
		return e.message
	default:
		return AttributesOf(e.code).Message
	}
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	return e != nil && e.attributes().Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	return e != nil && e.attributes().Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// From 取出错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链上最外层 *Error 的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// ShouldAlertCode 判断错误码默认是否需要告警。
func ShouldAlertCode(code Code) bool {
	return AttributesOf(code).Alert
}

// SeverityOf 返回错误严重程度，非 *Error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
