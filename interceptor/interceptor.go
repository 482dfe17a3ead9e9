// Package interceptor 把一次普通的方法调用纳入 TCC 事务
// 1. ROOT: 发起根事务, try 成功则提交, 失败则回滚 (命中延迟回滚标签时交给恢复任务)
// 2. PROVIDER: 响应上游传播过来的事务上下文, TRYING 时创建分支事务, CONFIRMING / CANCELLING 时推进分支事务
// 3. NORMAL: 不做事务处理, 但在活跃事务的 try 阶段调用远端参与者时登记参与者并注入事务上下文
package interceptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/compensable/log"
	"github.com/xiaoxuxiansheng/compensable/txmanager"
)

// Interceptor 可补偿方法的拦截器
type Interceptor struct {
	manager          *txmanager.TXManager
	delayCancelKinds []txmanager.Kind
}

// NewInterceptor kinds 为所有方法共用的延迟回滚标签, 协调器上配置的标签始终生效
func NewInterceptor(manager *txmanager.TXManager, kinds ...txmanager.Kind) *Interceptor {
	return &Interceptor{
		manager:          manager,
		delayCancelKinds: kinds,
	}
}

// Handle 一次拦截过程中的状态, 由 BeginOrJoin 产生, 交给 Proceed 和 Complete 使用
type Handle struct {
	Role    txmanager.Role
	mc      *MethodContext
	args    []interface{}
	inbound *txmanager.TransactionContext
	// tx 本次调用压入事务栈的事务, Complete 时出栈
	tx *txmanager.Transaction
	// terminal provider 收到 confirm / cancel 请求, 不再执行业务逻辑
	terminal bool
}

// Transaction 本次调用发起或者加入的事务, NORMAL 角色下为空
func (h *Handle) Transaction() *txmanager.Transaction {
	return h.tx
}

// Intercept 按照传播级别执行 fn
// ctx 没有挂载事务栈时会挂载一个新的, 同一次逻辑调用内的嵌套拦截需要传递返回给 fn 的 ctx
func (i *Interceptor) Intercept(ctx context.Context, mc *MethodContext, fn ProceedFunc) (interface{}, error) {
	ctx = txmanager.WithCallContext(ctx)

	active := i.manager.IsTransactionActive(ctx)
	inbound := mc.editor().Extract(mc.Args) != nil
	if !txmanager.IsLegalContext(mc.Propagation, active, inbound) {
		return nil, fmt.Errorf("%w, method: %s", txmanager.ErrMandatoryPropagation, mc.Name)
	}

	h, err := i.BeginOrJoin(ctx, txmanager.ResolveRole(mc.Propagation, active, inbound), mc)
	if err != nil {
		return nil, err
	}
	result, err := i.Proceed(ctx, h, fn)
	return result, i.Complete(ctx, h, err)
}

// BeginOrJoin 根据角色发起、加入或者推进事务
// 返回错误时已经完成了事务栈的清理
func (i *Interceptor) BeginOrJoin(ctx context.Context, role txmanager.Role, mc *MethodContext) (*Handle, error) {
	h := &Handle{Role: role, mc: mc, args: mc.Args, inbound: mc.editor().Extract(mc.Args)}

	var err error
	switch role {
	case txmanager.RoleRoot:
		err = i.beginRoot(ctx, h)
	case txmanager.RoleProvider:
		err = i.joinProvider(ctx, h)
	default:
		err = i.joinNormal(ctx, h)
	}
	if err != nil {
		_ = i.manager.CleanAfterCompletion(ctx, h.tx)
		return nil, err
	}
	return h, nil
}

func (i *Interceptor) beginRoot(ctx context.Context, h *Handle) error {
	tx, err := i.manager.Begin(ctx, h.mc.UniqueIdentity())
	if err != nil {
		return err
	}
	h.tx = tx
	if !h.mc.compensable() {
		return nil
	}
	return i.enlist(ctx, h, txmanager.NewBranchXid(tx.Xid.GlobalID))
}

func (i *Interceptor) joinProvider(ctx context.Context, h *Handle) error {
	switch h.inbound.Status {
	case txmanager.StatusTrying:
		tx, err := i.manager.PropagationNewBegin(ctx, h.inbound)
		if err != nil {
			return err
		}
		h.tx = tx
		if !h.mc.compensable() {
			return nil
		}
		return i.enlist(ctx, h, h.inbound.Xid)

	case txmanager.StatusConfirming, txmanager.StatusCancelling:
		h.terminal = true
		tx, err := i.manager.PropagationExistBegin(ctx, h.inbound)
		if txmanager.IsBenign(err) {
			// 已经完成并被清理, 重复的请求直接忽略
			log.InfoContextf(log.WithTXID(ctx, h.inbound.Xid.String()),
				"transaction already completed, ignore %s request of method: %s", h.inbound.Status, h.mc.Name)
			return nil
		}
		if err != nil {
			return err
		}
		h.tx = tx
		return nil
	}
	return fmt.Errorf("%w: unknown inbound status %s", txmanager.ErrIllegalTransactionState, h.inbound.Status)
}

// joinNormal 活跃事务的 try 阶段调用远端参与者: 以新的分支 xid 登记参与者
func (i *Interceptor) joinNormal(ctx context.Context, h *Handle) error {
	tx := i.manager.CurrentTransaction(ctx)
	if tx == nil || tx.Status != txmanager.StatusTrying || !h.mc.compensable() {
		return nil
	}
	return i.enlist(ctx, h, txmanager.NewBranchXid(tx.Xid.GlobalID))
}

// enlist 登记参与者, 并把参与者的事务上下文注入到调用参数中
// try 逻辑据此得到之后 confirm / cancel 请求会携带的 xid
func (i *Interceptor) enlist(ctx context.Context, h *Handle, xid txmanager.Xid) error {
	participant, err := h.mc.participant(xid)
	if err != nil {
		return fmt.Errorf("build participant of method: %s: %w", h.mc.Name, err)
	}
	if err = i.manager.EnlistParticipant(ctx, participant); err != nil {
		return err
	}
	h.args = h.mc.editor().Inject(&txmanager.TransactionContext{Xid: xid, Status: txmanager.StatusTrying}, h.mc.Args)
	return nil
}

// Proceed 执行业务逻辑, provider 收到 confirm / cancel 请求时直接返回空值
func (i *Interceptor) Proceed(ctx context.Context, h *Handle, fn ProceedFunc) (interface{}, error) {
	if h.terminal {
		return nil, nil
	}
	return fn(ctx, h.args)
}

// Complete 结束本次拦截并清理事务栈, 返回调用方最终应当看到的错误
//   - ROOT: try 成功则提交; 失败且未命中延迟回滚标签则回滚, 返回 try 的错误, 回滚失败时一并返回 CancellingError
//   - PROVIDER: confirm / cancel 请求在这里推进分支事务, try 请求只透传错误
//   - NORMAL: 透传错误
func (i *Interceptor) Complete(ctx context.Context, h *Handle, tryErr error) error {
	defer func() {
		_ = i.manager.CleanAfterCompletion(ctx, h.tx)
	}()

	switch h.Role {
	case txmanager.RoleRoot:
		if tryErr == nil {
			return i.manager.Commit(ctx, h.mc.AsyncConfirm)
		}
		tctx := log.WithTXID(ctx, h.tx.Xid.String())
		if i.isDelayCancel(tryErr, h.mc) {
			log.WarnContextf(tctx, "compensable transaction trying failed with delay cancel error, method: %s, err: %v",
				h.mc.Name, tryErr)
			return tryErr
		}
		log.WarnContextf(tctx, "compensable transaction trying failed, method: %s, err: %v", h.mc.Name, tryErr)
		if err := i.manager.Rollback(ctx, h.mc.AsyncCancel); err != nil {
			// 回滚失败 (或者异步投递失败) 时返回 CancellingError, 同时保留 try 的错误
			log.ErrorContextf(tctx, "compensable transaction rollback after trying failed, err: %v", err)
			return errors.Join(err, tryErr)
		}
		return tryErr

	case txmanager.RoleProvider:
		if !h.terminal || h.tx == nil {
			return tryErr
		}
		if h.inbound.Status == txmanager.StatusConfirming {
			return i.manager.Commit(ctx, h.mc.AsyncConfirm)
		}
		return i.manager.Rollback(ctx, h.mc.AsyncCancel)
	}
	return tryErr
}

func (i *Interceptor) isDelayCancel(err error, mc *MethodContext) bool {
	kinds := make([]txmanager.Kind, 0, len(i.delayCancelKinds)+len(mc.DelayCancelKinds))
	kinds = append(kinds, i.delayCancelKinds...)
	kinds = append(kinds, mc.DelayCancelKinds...)
	return i.manager.IsDelayCancel(err, kinds...)
}
