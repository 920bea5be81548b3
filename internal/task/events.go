package task

import (
	"github.com/ethereum/go-ethereum/event"
)

// Event 是一次任务状态迁移的通知。
type Event struct {
	TaskID string
	Status Status
	Task   *Task
}

// EventBus 基于 event.Feed 广播任务状态变化。
// Feed 的发送会等待所有订阅者接收，订阅方需持续读取或及时退订。
type EventBus struct {
	feed event.Feed
}

// NewEventBus 创建 EventBus。
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Publish 广播任务快照，返回收到通知的订阅者数量。
func (b *EventBus) Publish(task *Task) int {
	if b == nil || task == nil {
		return 0
	}
	return b.feed.Send(Event{TaskID: task.ID, Status: task.Status, Task: cloneTask(task)})
}

// Subscribe 订阅状态事件。
func (b *EventBus) Subscribe(ch chan<- Event) event.Subscription {
	return b.feed.Subscribe(ch)
}
