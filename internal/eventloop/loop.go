// Package eventloop 提供单 goroutine 的任务队列。packagedapp 流水线的全部可变状态
// （下载注册表、回调表、writer/verifier 引用）只在该 goroutine 中读写，因此内部无需加锁。
package eventloop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed 表示 Loop 已关闭，不再接受新任务。
var ErrClosed = errors.New("event loop closed")

// Loop 按 FIFO 顺序在同一个 goroutine 中执行投递的闭包。队列无上限，Post 永不阻塞。
type Loop struct {
	logger *logrus.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New 创建并启动 Loop。logger 可为空。
func New(logger *logrus.Logger) *Loop {
	l := &Loop{
		logger: logger,
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post 投递一个任务，Loop 已关闭时返回 false。
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Do 投递任务并等待其执行完毕。不得在 Loop 自身的 goroutine 中调用，否则会死锁。
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	<-finished
	return nil
}

// Close 停止接受新任务，执行完已排队的任务后返回。可重复调用。
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.execute(task)
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.logger != nil {
				l.logger.WithFields(logrus.Fields{
					"action": "event_loop",
					"error":  "task_panic",
				}).Error(fmt.Sprintf("panic: %v", r))
			}
		}
	}()
	task()
}
