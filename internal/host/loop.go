// Package host 更新ループ（ホストアプリケーションのフレーム更新）を提供する
//
// 全ての操作と Tick は Loop の単一ゴルーチンで実行されるため、
// Orchestrator はロックなしで状態を変更できる。
// HTTP ハンドラーなど他のゴルーチンからは Do / Call で処理を依頼する。
package host

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrStopped はループが停止していることを示す
var ErrStopped = errors.New("更新ループは停止しています")

// Ticker は更新ループの1回ごとに呼ばれる処理
type Ticker interface {
	Tick(ctx context.Context, dt time.Duration)
}

type intent struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Loop は一定間隔で Tick を呼び、依頼された処理を同じゴルーチンで実行する
type Loop struct {
	ticker   Ticker
	interval time.Duration
	logger   *zap.Logger

	intents chan intent
	stopCh  chan struct{}
	now     func() time.Time
}

// New は新しいLoopを作成する
func New(ticker Ticker, interval time.Duration, logger *zap.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second / 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		ticker:   ticker,
		interval: interval,
		logger:   logger.Named("loop"),
		intents:  make(chan intent),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Run はコンテキストがキャンセルされるまでループを実行する
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopCh)

	t := time.NewTicker(l.interval)
	defer t.Stop()

	l.logger.Info("更新ループを開始", zap.Duration("interval", l.interval))
	last := l.now()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("更新ループを停止")
			return ctx.Err()
		case it := <-l.intents:
			it.fn(ctx)
			close(it.done)
		case <-t.C:
			now := l.now()
			dt := now.Sub(last)
			last = now
			l.ticker.Tick(ctx, dt)
		}
	}
}

// Do は fn をループのゴルーチンで実行し、完了を待つ
// ループが受け付ける前にコンテキストがキャンセルされた場合は実行しない
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context)) error {
	it := intent{fn: fn, done: make(chan struct{})}
	select {
	case l.intents <- it:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return ErrStopped
	}

	// 受け付けた処理は途中で止められないため、完了まで待つ
	<-it.done
	return nil
}

// Call は値を返す処理をループのゴルーチンで実行する
func Call[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	if doErr := l.Do(ctx, func(ctx context.Context) {
		result, err = fn(ctx)
	}); doErr != nil {
		var zero T
		return zero, doErr
	}
	return result, err
}

// Done はループが停止すると閉じられるチャンネルを返す
func (l *Loop) Done() <-chan struct{} {
	return l.stopCh
}
