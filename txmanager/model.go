package txmanager

import (
	"context"
	"fmt"
	"time"
)

// InvocationContext 一次 confirm / cancel 调用的描述
type InvocationContext struct {
	// Target 注册中心里的组件 id
	Target string `json:"target"`
	// Method 组件上的方法名
	Method string `json:"method"`
	// Args try 阶段序列化下来的入参
	Args []byte `json:"args"`
}

// Invoker 根据调用描述找到真正的组件并发起调用
type Invoker interface {
	Invoke(ctx context.Context, txCtx TransactionContext, invocation InvocationContext) error
}

// Participant 事务参与者, 在 enlist 时追加到事务上, 之后只会随事务整体删除
type Participant struct {
	// Xid 参与者自己的事务标识, confirm / cancel 时作为事务上下文传递给组件
	Xid     Xid               `json:"xid"`
	Confirm InvocationContext `json:"confirm"`
	Cancel  InvocationContext `json:"cancel"`
}

func (p *Participant) commit(ctx context.Context, invoker Invoker) error {
	return invoker.Invoke(ctx, TransactionContext{Xid: p.Xid, Status: StatusConfirming}, p.Confirm)
}

func (p *Participant) rollback(ctx context.Context, invoker Invoker) error {
	return invoker.Invoke(ctx, TransactionContext{Xid: p.Xid, Status: StatusCancelling}, p.Cancel)
}

// Transaction 事务
type Transaction struct {
	Xid            Xid            `json:"xid"`
	Status         Status         `json:"status"`
	Type           Type           `json:"type"`
	Participants   []*Participant `json:"participants"`
	RetriedCount   int            `json:"retriedCount"`
	CreateTime     time.Time      `json:"createTime"`
	LastUpdateTime time.Time      `json:"lastUpdateTime"`
	// Version 乐观锁版本号, 每次成功落库后递增
	Version int64 `json:"version"`
}

// NewTransaction 创建一笔处于 TRYING 状态的事务
func NewTransaction(xid Xid, typ Type, now time.Time) *Transaction {
	return &Transaction{
		Xid:            xid,
		Status:         StatusTrying,
		Type:           typ,
		CreateTime:     now,
		LastUpdateTime: now,
		Version:        1,
	}
}

// Context 当前事务对外传播的上下文
func (t *Transaction) Context() *TransactionContext {
	return &TransactionContext{Xid: t.Xid, Status: t.Status}
}

// ChangeStatus 推进事务状态
// 允许 TRYING -> CONFIRMING / CANCELLING, 以及对同一个终态的重复设置 (恢复任务会重复进入)
func (t *Transaction) ChangeStatus(status Status) error {
	if t.Status == status || t.Status == StatusTrying && status != StatusTrying {
		t.Status = status
		return nil
	}
	return fmt.Errorf("%w: xid: %s, transition %s -> %s", ErrIllegalTransactionState, t.Xid, t.Status, status)
}

// EnlistParticipant 追加参与者, 只修改内存, 由调用方负责落库
func (t *Transaction) EnlistParticipant(participant *Participant) {
	t.Participants = append(t.Participants, participant)
}

// Commit 按照登记顺序依次调用参与者的 confirm, 遇到错误立即返回, 由协调器决定重试策略
func (t *Transaction) Commit(ctx context.Context, invoker Invoker) error {
	for i, participant := range t.snapshot() {
		if err := participant.commit(ctx, invoker); err != nil {
			return fmt.Errorf("participant %d (xid: %s) confirm failed: %w", i, participant.Xid, err)
		}
	}
	return nil
}

// Rollback 按照登记顺序依次调用参与者的 cancel
func (t *Transaction) Rollback(ctx context.Context, invoker Invoker) error {
	for i, participant := range t.snapshot() {
		if err := participant.rollback(ctx, invoker); err != nil {
			return fmt.Errorf("participant %d (xid: %s) cancel failed: %w", i, participant.Xid, err)
		}
	}
	return nil
}

// clone 深拷贝事务, 参与者及其参数一并复制, 供缓存层隔离不同调用方持有的对象
func (t *Transaction) clone() *Transaction {
	cp := *t
	if t.Participants == nil {
		return &cp
	}
	cp.Participants = make([]*Participant, 0, len(t.Participants))
	for _, participant := range t.Participants {
		p := *participant
		p.Confirm.Args = append([]byte(nil), participant.Confirm.Args...)
		p.Cancel.Args = append([]byte(nil), participant.Cancel.Args...)
		cp.Participants = append(cp.Participants, &p)
	}
	return &cp
}

func (t *Transaction) snapshot() []*Participant {
	participants := make([]*Participant, len(t.Participants))
	copy(participants, t.Participants)
	return participants
}

func (t *Transaction) AddRetriedCount() {
	t.RetriedCount++
}

func (t *Transaction) ResetRetriedCount(count int) {
	t.RetriedCount = count
}

// UpdateTime / UpdateVersion 仅由存储层在写入前调用
func (t *Transaction) UpdateTime(now time.Time) {
	t.LastUpdateTime = now
}

func (t *Transaction) UpdateVersion() {
	t.Version++
}
