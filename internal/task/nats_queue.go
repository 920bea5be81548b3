package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	xerrors "MetaCortex/internal/errors"
)

// NATSConfig 描述 NATS 队列的连接参数。
type NATSConfig struct {
	URL        string
	Subject    string
	QueueGroup string
}

// NATSQueue 基于 NATS 队列组实现任务分发，同组内每条消息只投递给一个订阅者。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue 创建 NATS 队列实例。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "metacortex.tasks"
	}
	group := cfg.QueueGroup
	if group == "" {
		group = "metacortex-workers"
	}
	conn, err := nats.Connect(url, nats.Name("metacortex"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 NATS 失败")
	}
	return &NATSQueue{conn: conn, subject: subject, group: group}, nil
}

// Publish 发布任务并等待服务器确认收到。
func (q *NATSQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if err := q.conn.Publish(q.subject, []byte(taskID)); err != nil {
		return fmt.Errorf("NATS 发布任务失败: %w", err)
	}
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("NATS 刷新失败: %w", err)
	}
	return nil
}

// Consume 以队列组订阅主题，并用 workerCount 个协程处理消息。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs := make(chan *nats.Msg, workerCount*4)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return fmt.Errorf("订阅 NATS 主题失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					if msg == nil {
						continue
					}
					dispatch(ctx, handler, "nats", string(msg.Data))
				}
			}
		}()
	}

	<-ctx.Done()
	_ = sub.Unsubscribe()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 NATS 连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	q.conn.Close()
	return nil
}

var _ Queue = (*NATSQueue)(nil)
