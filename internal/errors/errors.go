package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnavailable           Code = "UNAVAILABLE"
)

// Attributes 是错误码的默认描述：缺省消息、严重程度以及是否告警。
type Attributes struct {
	Message  string
	Severity Severity
	Alert    bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false},
		CodeConflict:              {"resource conflict", SeverityWarning, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true},
		CodeExecutorFailure:       {"executor failure", SeverityWarning, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true},
		CodeUnavailable:           {"dependency unavailable", SeverityWarning, true},
	}
)

// Register 在包初始化阶段登记业务错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认描述，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、原因以及针对单个错误实例的告警覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity *Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加键值信息，告警时会一并带出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithAlert 覆盖错误码默认的告警开关。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖错误码默认的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建错误，message 为空时使用错误码的默认消息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以统一错误包裹 cause，cause 仍可通过 errors.Is/As 访问。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使哨兵错误可用于 errors.Is。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Message 返回不含错误码与原因的消息文本。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// From 取出错误链上最外层的统一错误。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，普通错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// ShouldAlert 判断错误是否需要告警：实例覆盖优先，其次是错误码的默认值。
// 普通错误按 UNKNOWN 处理。
func ShouldAlert(err error) bool {
	if err == nil {
		return false
	}
	e, ok := From(err)
	if !ok {
		return AttributesOf(CodeUnknown).Alert
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// SeverityOf 返回错误的严重程度，规则与 ShouldAlert 相同。
func SeverityOf(err error) Severity {
	e, ok := From(err)
	if !ok {
		return AttributesOf(CodeUnknown).Severity
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}
