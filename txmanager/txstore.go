package txmanager

import (
	"context"
	"time"
)

// TransactionRepository 事务存储模块
// 1. 定义: 持久化事务明细记录的模块, 事务记录是恢复任务的基础
// 2. 功能:
//  2.1 支持事务的 CRUD 能力, 其中更新基于版本号做乐观锁控制
//  2.2 FindAllUnmodifiedSince 供恢复任务批量扫描长时间未推进的事务
// 3. 协调器依赖的是这个接口, 默认实现为 CachedRepository, 由其包装真正的存储后端 Backend
type TransactionRepository interface {
	// Create 创建一条事务记录, Xid 已存在时返回 ErrDuplicateTransaction
	Create(ctx context.Context, tx *Transaction) error
	// Update 基于版本号更新事务, 版本不一致或者记录已被删除时返回 ErrOptimisticLock
	Update(ctx context.Context, tx *Transaction) error
	// Delete 删除事务记录
	Delete(ctx context.Context, tx *Transaction) error
	// FindByXid 查询指定的一笔事务, 不存在时返回 ErrNoExistedTransaction
	FindByXid(ctx context.Context, xid Xid) (*Transaction, error)
	// FindAllUnmodifiedSince 获取最后更新时间早于 threshold 的全部事务
	FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*Transaction, error)
}

// Backend 真正的存储后端, 需要由使用方实现或者选用 store 下的现成实现
// 后端只负责落库, 缓存、版本号递增等逻辑由 CachedRepository 统一处理
type Backend interface {
	// DoCreate 唯一约束冲突时返回 ErrDuplicateTransaction, 其他存储错误包装 ErrTransactionIO
	DoCreate(ctx context.Context, tx *Transaction) error
	// DoUpdate 以 expectedVersion 为条件写入 tx (tx 的版本号和更新时间已经递增),
	// 没有命中任何记录时返回 ErrOptimisticLock
	DoUpdate(ctx context.Context, tx *Transaction, expectedVersion int64) error
	DoDelete(ctx context.Context, tx *Transaction) error
	// DoFindOne 不存在时返回 ErrNoExistedTransaction
	DoFindOne(ctx context.Context, xid Xid) (*Transaction, error)
	DoFindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*Transaction, error)
}

// Locker 恢复任务使用的锁, 保证同一时刻只有一个恢复周期在执行 (多实例部署时要求为分布式锁)
type Locker interface {
	// Lock expireDuration 为轮询间隔的数倍, 分布式实现应当在持有期间续期, 直到 Unlock
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}
