package lock

import (
	"context"
	"fmt"
	"sync"
)

// Locker 按 key 互斥，Acquire 成功后返回释放函数
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// ReconcileKey 对账锁的 key（按交易流水号）
func ReconcileKey(reference string) string {
	return fmt.Sprintf("mobilepay:lock:txn:%s", reference)
}

// LocalLocker 进程内按 key 互斥，单实例部署或未启用 Redis 时使用
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// release 引用计数归零后删除，避免 map 无限增长
func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
