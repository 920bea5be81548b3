// Package journal 以追加写的文本文件保存每个任务的思考过程，
// 文件位于 <data_dir>/thought_processes/<task_id>.txt。
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	xerrors "MetaCortex/internal/errors"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrNotFound 表示任务尚未产生思考过程记录。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "thought process not found")

// FileJournal 以追加写的方式记录每个任务的思考过程。
type FileJournal struct {
	mu  sync.Mutex
	dir string
}

// NewFileJournal 创建日志目录。
func NewFileJournal(dir string) (*FileJournal, error) {
	if dir == "" {
		dir = "thought_processes"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建思考过程目录失败: %w", err)
	}
	return &FileJournal{dir: dir}, nil
}

// Dir 返回日志目录。
func (j *FileJournal) Dir() string { return j.dir }

func (j *FileJournal) path(taskID string) (string, error) {
	if !validID.MatchString(taskID) || taskID == "." || taskID == ".." {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的任务 ID: %q", taskID))
	}
	return filepath.Join(j.dir, taskID+".txt"), nil
}

// Append 将一段文本追加到任务日志末尾。
func (j *FileJournal) Append(_ context.Context, taskID, text string) error {
	path, err := j.path(taskID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开思考过程日志失败")
	}
	defer file.Close()

	if len(text) > 0 && text[len(text)-1] != '\n' {
		text += "\n"
	}
	if _, err := file.WriteString(text); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入思考过程日志失败")
	}
	return nil
}

// Read 返回任务日志的完整内容。
func (j *FileJournal) Read(_ context.Context, taskID string) (string, error) {
	path, err := j.path(taskID)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.Wrap(xerrors.CodeNotFound, ErrNotFound, fmt.Sprintf("任务 %s 没有思考过程记录", taskID))
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取思考过程日志失败")
	}
	return string(content), nil
}
