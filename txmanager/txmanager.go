package txmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/compensable/component"
	"github.com/xiaoxuxiansheng/compensable/log"
	"github.com/xiaoxuxiansheng/compensable/metrics"
)

// TCC Manager 事务协调器
// 1. 组成部分:
//  1.1 TXManager：事务协调器 -> 提供发起根事务、传播分支事务、提交、回滚、登记参与者等功能
//  1.2 TransactionRepository：事务存储模块 -> 带乐观锁的持久化, 默认包装了一层缓存
//  1.3 registryCenter：TCC 组件注册管理中心 -> 把参与者记录解析为真实组件并发起调用
//  1.4 Recovery：恢复任务 -> 扫描长时间未推进的事务并重试 (见 recovery.go)
// 2. 活跃事务栈不保存在协调器上, 而是挂在每次逻辑调用的 context 中 (见 WithCallContext)

// TXManager 事务协调器
type TXManager struct {
	ctx            context.Context    // 反映 TXManager 生命周期的 context, 异步 confirm / cancel 使用它而不是请求的 context
	stop           context.CancelFunc // 停止 TXManager
	opts           *Options
	repository     TransactionRepository
	registryCenter *registryCenter
	pool           *asyncPool
	metrics        *metrics.Collector
}

// NewTXManager 初始化并返回事务协调器
func NewTXManager(repository TransactionRepository, opts ...Option) *TXManager {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOptions(opts...)
	return &TXManager{
		ctx:            ctx,
		stop:           cancel,
		opts:           o,
		repository:     repository,
		registryCenter: newRegistryCenter(),
		pool:           newAsyncPool(o.AsyncPoolSize),
		metrics:        o.Metrics,
	}
}

// Stop 终止协调器, 等待已经提交的异步任务结束
func (t *TXManager) Stop() {
	t.stop()
	t.pool.wait()
}

func (t *TXManager) Register(component component.TCCComponent) error {
	return t.registryCenter.register(component)
}

func (t *TXManager) Options() Options {
	return *t.opts
}

func (t *TXManager) Repository() TransactionRepository {
	return t.repository
}

// Begin 发起根事务, uniqueIdentity 非空时用于应用层的幂等创建
func (t *TXManager) Begin(ctx context.Context, uniqueIdentity string) (*Transaction, error) {
	tx := NewTransaction(NewXid(uniqueIdentity), TypeRoot, t.opts.Now())
	if err := t.createAndRegister(ctx, tx); err != nil {
		t.metrics.ObserveTransaction(metrics.OpBegin, metrics.OutcomeFailure)
		return nil, err
	}
	t.metrics.ObserveTransaction(metrics.OpBegin, metrics.OutcomeSuccess)
	return tx, nil
}

// PropagationNewBegin 参与者第一次代表远端根事务执行 try 时, 创建分支事务
func (t *TXManager) PropagationNewBegin(ctx context.Context, txCtx *TransactionContext) (*Transaction, error) {
	tx := NewTransaction(txCtx.Xid, TypeBranch, t.opts.Now())
	if err := t.createAndRegister(ctx, tx); err != nil {
		t.metrics.ObserveTransaction(metrics.OpBranch, metrics.OutcomeFailure)
		return nil, err
	}
	t.metrics.ObserveTransaction(metrics.OpBranch, metrics.OutcomeSuccess)
	return tx, nil
}

// PropagationExistBegin 远端根事务进入 confirm / cancel 阶段时, 找回之前创建的分支事务
// 找不到时返回 ErrNoExistedTransaction, 调用方应当视为已经完成
func (t *TXManager) PropagationExistBegin(ctx context.Context, txCtx *TransactionContext) (*Transaction, error) {
	stack, err := mustStackFrom(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := t.repository.FindByXid(ctx, txCtx.Xid)
	if err != nil {
		return nil, err
	}
	if err = tx.ChangeStatus(txCtx.Status); err != nil {
		return nil, err
	}
	stack.push(tx)
	return tx, nil
}

func (t *TXManager) createAndRegister(ctx context.Context, tx *Transaction) error {
	stack, err := mustStackFrom(ctx)
	if err != nil {
		return err
	}
	if err = t.repository.Create(ctx, tx); err != nil {
		return err
	}
	stack.push(tx)
	return nil
}

// Commit 提交当前活跃事务
// 1. 状态置为 CONFIRMING 并落库, 之后即便进程崩溃恢复任务也能继续推进
// 2. 同步模式下依次 confirm 所有参与者并删除事务记录, 失败包装为 ConfirmingError 返回
// 3. 异步模式下投递到协程池后立即返回, 投递失败同样返回 ConfirmingError
func (t *TXManager) Commit(ctx context.Context, async bool) error {
	tx, err := t.currentOrError(ctx)
	if err != nil {
		return err
	}
	if err = tx.ChangeStatus(StatusConfirming); err != nil {
		return err
	}
	if err = t.repository.Update(ctx, tx); err != nil {
		t.metrics.ObserveTransaction(metrics.OpCommit, metrics.OutcomeFailure)
		return err
	}

	if !async {
		return t.commitTransaction(ctx, tx)
	}
	if !t.pool.submit(func() { _ = t.commitTransaction(t.ctx, tx) }) {
		log.WarnContextf(ctx, "compensable transaction async submit confirm failed, recovery job will try to confirm later, xid: %s", tx.Xid)
		t.metrics.ObserveTransaction(metrics.OpCommit, metrics.OutcomeFailure)
		return &ConfirmingError{Xid: tx.Xid, Err: ErrAsyncPoolSaturated}
	}
	return nil
}

// Rollback 回滚当前活跃事务, 流程与 Commit 对称
func (t *TXManager) Rollback(ctx context.Context, async bool) error {
	tx, err := t.currentOrError(ctx)
	if err != nil {
		return err
	}
	if err = tx.ChangeStatus(StatusCancelling); err != nil {
		return err
	}
	if err = t.repository.Update(ctx, tx); err != nil {
		t.metrics.ObserveTransaction(metrics.OpRollback, metrics.OutcomeFailure)
		return err
	}

	if !async {
		return t.rollbackTransaction(ctx, tx)
	}
	if !t.pool.submit(func() { _ = t.rollbackTransaction(t.ctx, tx) }) {
		log.WarnContextf(ctx, "compensable transaction async rollback failed, recovery job will try to rollback later, xid: %s", tx.Xid)
		t.metrics.ObserveTransaction(metrics.OpRollback, metrics.OutcomeFailure)
		return &CancellingError{Xid: tx.Xid, Err: ErrAsyncPoolSaturated}
	}
	return nil
}

func (t *TXManager) commitTransaction(ctx context.Context, tx *Transaction) error {
	ctx = log.WithTXID(ctx, tx.Xid.String())
	err := tx.Commit(ctx, t.registryCenter)
	if err == nil {
		err = t.repository.Delete(ctx, tx)
	}
	if err != nil {
		log.WarnContextf(ctx, "compensable transaction confirm failed, recovery job will try to confirm later, err: %v", err)
		t.metrics.ObserveTransaction(metrics.OpCommit, metrics.OutcomeFailure)
		return &ConfirmingError{Xid: tx.Xid, Err: err}
	}
	t.metrics.ObserveTransaction(metrics.OpCommit, metrics.OutcomeSuccess)
	return nil
}

func (t *TXManager) rollbackTransaction(ctx context.Context, tx *Transaction) error {
	ctx = log.WithTXID(ctx, tx.Xid.String())
	err := tx.Rollback(ctx, t.registryCenter)
	if err == nil {
		err = t.repository.Delete(ctx, tx)
	}
	if err != nil {
		log.WarnContextf(ctx, "compensable transaction rollback failed, recovery job will try to rollback later, err: %v", err)
		t.metrics.ObserveTransaction(metrics.OpRollback, metrics.OutcomeFailure)
		return &CancellingError{Xid: tx.Xid, Err: err}
	}
	t.metrics.ObserveTransaction(metrics.OpRollback, metrics.OutcomeSuccess)
	return nil
}

// EnlistParticipant 给当前活跃事务登记参与者并落库
func (t *TXManager) EnlistParticipant(ctx context.Context, participant *Participant) error {
	tx, err := t.currentOrError(ctx)
	if err != nil {
		return err
	}
	tx.EnlistParticipant(participant)
	return t.repository.Update(ctx, tx)
}

// CleanAfterCompletion 把事务从当前调用上下文的事务栈中移除, 所有退出路径上都必须调用
// 栈顶不是 tx 时返回 ErrIllegalTransactionState
func (t *TXManager) CleanAfterCompletion(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return nil
	}
	stack := stackFrom(ctx)
	if stack == nil {
		return nil
	}
	if err := stack.popIf(tx); err != nil {
		log.ErrorContextf(ctx, "%v", err)
		return err
	}
	return nil
}

// CurrentTransaction 返回当前调用上下文栈顶的事务, 没有时返回 nil
func (t *TXManager) CurrentTransaction(ctx context.Context) *Transaction {
	stack := stackFrom(ctx)
	if stack == nil {
		return nil
	}
	return stack.peek()
}

func (t *TXManager) IsTransactionActive(ctx context.Context) bool {
	stack := stackFrom(ctx)
	return stack != nil && stack.size() > 0
}

func (t *TXManager) currentOrError(ctx context.Context) (*Transaction, error) {
	tx := t.CurrentTransaction(ctx)
	if tx == nil {
		return nil, fmt.Errorf("%w: no active transaction", ErrIllegalTransactionState)
	}
	return tx, nil
}

// IsDelayCancel try 阶段的错误是否命中延迟回滚的标签集合
func (t *TXManager) IsDelayCancel(err error, extra ...Kind) bool {
	return MatchKinds(err, mergeKinds(t.opts.DelayCancelKinds, extra))
}

// IsBenign 对于 provider 侧的 confirm / cancel, 事务已经不存在说明已经处理完成
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoExistedTransaction)
}
