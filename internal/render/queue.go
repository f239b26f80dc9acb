package render

import "sync"

// Queue はレンダラーのゴルーチンから更新ループへイベントを渡すキュー
// Push は任意のゴルーチンから呼べるが、Drain は更新ループだけが呼ぶ
type Queue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewQueue は新しいQueueを作成する
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push はイベントを積む
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain は積まれたイベントを到着順に全て取り出す
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := q.events
	q.events = nil
	return events
}

// Len は積まれているイベント数を返す
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Notify はイベントが積まれたときに通知されるチャンネルを返す
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
