package txmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/compensable/log"
	"github.com/xiaoxuxiansheng/compensable/metrics"
)

// Recovery 事务恢复任务
// 事务记录被持久化在外部存储中, 恢复任务按照固定频率扫描长时间未推进的事务并重试,
// 直到事务完成或者超过最大重试次数
type Recovery struct {
	manager *TXManager
	locker  Locker
	opts    *Options
}

// lockExpireTicks 恢复锁的过期时间为轮询间隔的倍数, 持有期间由 Locker 负责续期
const lockExpireTicks = 3

// NewRecovery 构造恢复任务, locker 为空时使用进程内的互斥锁
func NewRecovery(manager *TXManager, locker Locker) *Recovery {
	if locker == nil {
		locker = &localLocker{}
	}
	return &Recovery{
		manager: manager,
		locker:  locker,
		opts:    manager.opts,
	}
}

// backOffTick 增加轮询时间间隔
// 每次对时间间隔进行翻倍, 封顶为初始时长的8倍
func (r *Recovery) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := r.opts.RecoverTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// lockExpire 锁的过期时间长于一个轮询间隔, 单次扫描跨越多个周期时其他实例也不会重叠执行
func (r *Recovery) lockExpire() time.Duration {
	return r.opts.RecoverTick * lockExpireTicks
}

// Run 周期性执行恢复, 直到 ctx 结束
//  1. 每个周期先获取锁, 避免多个实例 (或者同一实例的多个周期) 重叠执行
//  2. 取锁失败时 (大概率被其他实例占有) 不对 tick 进行退避
//  3. 扫描出错时按照退避策略增大 tick 间隔
func (r *Recovery) Run(ctx context.Context) {
	var tick time.Duration
	var err error
	for {
		if err == nil {
			tick = r.opts.RecoverTick
		} else {
			tick = r.backOffTick(tick)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
			if err = r.locker.Lock(ctx, r.lockExpire()); err != nil {
				log.DebugContextf(ctx, "recovery lock not acquired, err: %v", err)
				err = nil
				continue
			}
			err = r.RunOnce(ctx)
			if uerr := r.locker.Unlock(ctx); uerr != nil {
				log.WarnContextf(ctx, "recovery unlock failed, err: %v", uerr)
			}
		}
	}
}

// RunOnce 执行一个恢复周期, 只有加载异常事务失败时才返回错误
func (r *Recovery) RunOnce(ctx context.Context) error {
	txs, err := r.loadErrorTransactions(ctx)
	if err != nil {
		log.ErrorContextf(ctx, "load error transactions failed, err: %v", err)
		return err
	}
	r.opts.Metrics.SetLastScanSize(len(txs))
	r.recoverErrorTransactions(ctx, txs)
	return nil
}

// loadErrorTransactions 最后更新时间早于 now - RecoverDuration 的事务视为异常事务
// 已完成的事务会被删除, 不会出现在这里
func (r *Recovery) loadErrorTransactions(ctx context.Context) ([]*Transaction, error) {
	return r.manager.repository.FindAllUnmodifiedSince(ctx, r.opts.Now().Add(-r.opts.RecoverDuration))
}

// recoverErrorTransactions 逐笔恢复, 单笔失败不影响其他事务
//  1. 超过最大重试次数的事务不再重试, 只打印错误日志, 需要人工介入
//  2. 分支事务在 MaxRetryCount * RecoverDuration 之内不处理, 留给根事务所在的服务推进
//  3. CONFIRMING 的事务继续提交
//  4. CANCELLING 的事务, 以及仍处于 TRYING 的根事务 (try 失败但回滚没有落库, 或者命中了延迟回滚) 执行回滚
func (r *Recovery) recoverErrorTransactions(ctx context.Context, txs []*Transaction) {
	for _, tx := range txs {
		tctx := log.WithTXID(ctx, tx.Xid.String())

		if tx.RetriedCount > r.opts.MaxRetryCount {
			log.ErrorContextf(tctx, "recover failed with max retry count, will not try again, status: %s, retried count: %d",
				tx.Status, tx.RetriedCount)
			r.opts.Metrics.ObserveRecovery(metrics.OutcomeSkippedMaxRetry)
			continue
		}

		if tx.Type == TypeBranch &&
			tx.CreateTime.Add(time.Duration(r.opts.MaxRetryCount)*r.opts.RecoverDuration).After(r.opts.Now()) {
			r.opts.Metrics.ObserveRecovery(metrics.OutcomeSkippedBranch)
			continue
		}

		if err := r.recoverTransaction(tctx, tx); err != nil {
			if errors.Is(err, ErrOptimisticLock) {
				log.WarnContextf(tctx, "optimistic lock failed while recover, status: %s, retried count: %d, err: %v",
					tx.Status, tx.RetriedCount, err)
				r.opts.Metrics.ObserveRecovery(metrics.OutcomeOptimisticLock)
				continue
			}
			log.ErrorContextf(tctx, "recover failed, status: %s, retried count: %d, err: %v",
				tx.Status, tx.RetriedCount, err)
			r.opts.Metrics.ObserveRecovery(metrics.OutcomeFailure)
			continue
		}
		r.opts.Metrics.ObserveRecovery(metrics.OutcomeRecovered)
	}
}

func (r *Recovery) recoverTransaction(ctx context.Context, tx *Transaction) error {
	repository, invoker := r.manager.repository, r.manager.registryCenter
	tx.AddRetriedCount()

	switch {
	case tx.Status == StatusConfirming:
		if err := tx.ChangeStatus(StatusConfirming); err != nil {
			return err
		}
		if err := repository.Update(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx, invoker); err != nil {
			return &ConfirmingError{Xid: tx.Xid, Err: err}
		}
		return repository.Delete(ctx, tx)

	case tx.Status == StatusCancelling || tx.Type == TypeRoot:
		if err := tx.ChangeStatus(StatusCancelling); err != nil {
			return err
		}
		if err := repository.Update(ctx, tx); err != nil {
			return err
		}
		if err := tx.Rollback(ctx, invoker); err != nil {
			return &CancellingError{Xid: tx.Xid, Err: err}
		}
		return repository.Delete(ctx, tx)

	default:
		// 仍处于 TRYING 的分支事务只记录重试次数, 等待根事务的决定
		return repository.Update(ctx, tx)
	}
}

// localLocker 进程内的互斥锁, 单实例部署时使用
type localLocker struct {
	mux sync.Mutex
}

func (l *localLocker) Lock(_ context.Context, _ time.Duration) error {
	if !l.mux.TryLock() {
		return errors.New("recovery is running")
	}
	return nil
}

func (l *localLocker) Unlock(_ context.Context) error {
	l.mux.Unlock()
	return nil
}
