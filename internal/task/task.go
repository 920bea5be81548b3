package task

import (
	stdErrors "errors"

	xerrors "MetaCortex/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Result 是一次成功运行写回的结果。
type Result struct {
	Answer  string
	Outcome string
	Turns   int
}

// Task 描述了排队执行的智能体任务。
type Task struct {
	ID         string `json:"task_id"`
	Query      string `json:"query"`
	Status     Status `json:"status"`
	Result     string `json:"result"`
	Outcome    string `json:"outcome,omitempty"`
	Turns      int    `json:"turns"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`

	// Seq 是提交序号，决定默认的列表顺序。
	Seq int64 `json:"-"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskFinalized 表示任务已处于终态，不再接受状态变更。
	ErrTaskFinalized = xerrors.New(CodeTaskFinalized, "task already finalized", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskFinalized  xerrors.Code = "TASK_FINALIZED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Alert:    false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
		Alert:    false,
	})
	xerrors.Register(CodeTaskFinalized, xerrors.Attributes{
		Message:  "task already finalized",
		Severity: xerrors.SeverityInfo,
		Alert:    false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Alert:    false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:  "failed to publish task",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:  "task execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskFinalized) {
		return target == CodeTaskFinalized
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	return &clone
}

// transitionError 根据当前状态给出拒绝迁移的原因。
func transitionError(current Status) error {
	if current.Terminal() {
		return ErrTaskFinalized
	}
	return ErrTaskConflict
}
