// Package redislocker 基于 redis 分布式锁实现 txmanager.Locker, 多实例部署时保证同一时刻只有一个恢复周期在执行
package redislocker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/compensable/log"
)

const lockKey = "compensable:recovery:lock"

// BuildRecoveryLockKey 恢复任务锁的 key, 不同 domain 的事务各自恢复
func BuildRecoveryLockKey(domain string) string {
	if domain == "" {
		return lockKey
	}
	return fmt.Sprintf("%s:%s", lockKey, domain)
}

// Locker 每次 Lock 都会创建新的 redis 锁
// 持有期间按过期时间的 1/3 周期续期, 扫描耗时超过过期时间也不会被其他实例抢占; 进程崩溃后锁在过期时间之后释放
type Locker struct {
	client *redis_lock.Client
	key    string

	mux     sync.Mutex
	lock    *redis_lock.RedisLock
	stopDog context.CancelFunc
	dogDone chan struct{}
}

func New(client *redis_lock.Client, domain string) *Locker {
	return &Locker{
		client: client,
		key:    BuildRecoveryLockKey(domain),
	}
}

func (l *Locker) Lock(ctx context.Context, expireDuration time.Duration) error {
	expireSeconds := int64(expireDuration / time.Second)
	if expireSeconds <= 0 {
		expireSeconds = 1
	}
	lock := redis_lock.NewRedisLock(l.key, l.client, redis_lock.WithExpireSeconds(expireSeconds))
	if err := lock.Lock(ctx); err != nil {
		return err
	}

	dogCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.watchDog(dogCtx, done, lock, expireSeconds)

	l.mux.Lock()
	defer l.mux.Unlock()
	l.lock, l.stopDog, l.dogDone = lock, stop, done
	return nil
}

// watchDog 持续为锁续期, 直到 Unlock
func (l *Locker) watchDog(ctx context.Context, done chan struct{}, lock *redis_lock.RedisLock, expireSeconds int64) {
	defer close(done)
	interval := time.Duration(expireSeconds) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.DelayExpire(ctx, expireSeconds); err != nil && ctx.Err() == nil {
				log.WarnContextf(ctx, "recovery lock renew failed, key: %s, err: %v", l.key, err)
			}
		}
	}
}

func (l *Locker) Unlock(ctx context.Context) error {
	l.mux.Lock()
	lock, stop, done := l.lock, l.stopDog, l.dogDone
	l.lock, l.stopDog, l.dogDone = nil, nil, nil
	l.mux.Unlock()

	if lock == nil {
		return nil
	}
	stop()
	<-done
	return lock.Unlock(ctx)
}
