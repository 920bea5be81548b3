package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	xerrors "MetaCortex/internal/errors"
	"MetaCortex/internal/storage/sqldb"
)

const taskColumns = `seq, id, query_text, status, outcome, result, turns, error_code, created_at, updated_at, started_at, finished_at`

// SQLStore 使用 MySQL 或 SQLite 记录任务状态。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// NewSQLStore 打开连接池并执行迁移。
func NewSQLStore(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接任务存储失败")
	}
	if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_states 表失败")
	}
	return &SQLStore{db: db, dialect: cfg.Dialect}, nil
}

// NewMySQLStore 创建基于 MySQL 的任务存储。
func NewMySQLStore(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	cfg.Dialect = sqldb.DialectMySQL
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	return NewSQLStore(ctx, cfg)
}

// NewSQLiteStore 创建基于 SQLite 文件的任务存储。
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	return NewSQLStore(ctx, sqldb.Config{Dialect: sqldb.DialectSQLite, DSN: dsn})
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusQueued
	}

	const stmt = `INSERT INTO task_states (id, query_text, status, outcome, result, turns, error_code, created_at, updated_at)
        VALUES (?, ?, ?, '', NULL, 0, '', ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, task.ID, task.Query, string(task.Status), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	if seq, err := res.LastInsertId(); err == nil {
		task.Seq = seq
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	now := time.Now().Unix()
	return s.transition(ctx, id,
		`UPDATE task_states SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), now, now, id, string(StatusQueued),
	)
}

// MarkCompleted 将任务标记为完成。
func (s *SQLStore) MarkCompleted(ctx context.Context, id string, result Result) (*Task, error) {
	now := time.Now().Unix()
	return s.transition(ctx, id,
		`UPDATE task_states SET status = ?, result = ?, outcome = ?, turns = ?, error_code = '', updated_at = ?, finished_at = ?
        WHERE id = ? AND status = ?`,
		string(StatusCompleted), result.Answer, result.Outcome, result.Turns, now, now, id, string(StatusRunning),
	)
}

// MarkFailed 将任务标记为失败。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string) (*Task, error) {
	now := time.Now().Unix()
	return s.transition(ctx, id,
		`UPDATE task_states SET status = ?, result = ?, error_code = ?, updated_at = ?, finished_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		string(StatusError), message, string(code), now, now, id, string(StatusQueued), string(StatusRunning),
	)
}

// transition 执行带状态条件的更新；未命中时根据当前状态给出原因。
func (s *SQLStore) transition(ctx context.Context, id, stmt string, args ...any) (*Task, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return task, transitionError(task.Status)
	}
	return task, nil
}

// List 返回符合条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM task_states`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedDesc {
		query += " ORDER BY updated_at DESC, seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit == 0 {
			limit = math.MaxInt32
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusQueued), string(StatusRunning), string(StatusCompleted), string(StatusError)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Running,
		&stats.Completed,
		&stats.Error,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task   Task
		status string
		result sql.NullString
	)
	if err := row.Scan(
		&task.Seq,
		&task.ID,
		&task.Query,
		&status,
		&task.Outcome,
		&result,
		&task.Turns,
		&task.ErrorCode,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.FinishedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.Result = result.String
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR query_text LIKE ? OR result LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	var sqliteErr sqlite3.Error
	if stdErrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ Store = (*SQLStore)(nil)
