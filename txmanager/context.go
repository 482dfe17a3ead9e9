package txmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/compensable/component"
)

// TransactionContext 在服务之间传播的事务上下文
type TransactionContext struct {
	Xid    Xid    `json:"xid"`
	Status Status `json:"status"`
}

// TransactionContextOf 从组件请求中还原事务上下文, 远程参与者收到 confirm / cancel 请求时使用
func TransactionContextOf(req *component.TCCReq) (*TransactionContext, error) {
	xid, err := ParseXid(req.TXID)
	if err != nil {
		return nil, err
	}
	status, err := StatusOf(req.TXStatus)
	if err != nil {
		return nil, err
	}
	return &TransactionContext{Xid: xid, Status: status}, nil
}

// callStack 一次逻辑调用内的活跃事务栈, 后进先出
// REQUIRES_NEW 会把新事务压栈, 外层事务被挂起但不会被销毁
type callStack struct {
	mux sync.Mutex
	txs []*Transaction
}

type callStackKey struct{}

// WithCallContext 为一次逻辑调用挂载活跃事务栈, 已经挂载过的 context 原样返回
// 同一个栈只在这次调用派生出的 context 中可见, 不存在任何全局状态
func WithCallContext(ctx context.Context) context.Context {
	if stackFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, callStackKey{}, &callStack{})
}

func stackFrom(ctx context.Context) *callStack {
	stack, _ := ctx.Value(callStackKey{}).(*callStack)
	return stack
}

func mustStackFrom(ctx context.Context) (*callStack, error) {
	stack := stackFrom(ctx)
	if stack == nil {
		return nil, fmt.Errorf("%w: no call context attached, use WithCallContext", ErrIllegalTransactionState)
	}
	return stack, nil
}

func (s *callStack) push(tx *Transaction) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.txs = append(s.txs, tx)
}

func (s *callStack) peek() *Transaction {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.txs) == 0 {
		return nil
	}
	return s.txs[len(s.txs)-1]
}

// popIf 仅当栈顶正是 tx 时出栈
func (s *callStack) popIf(tx *Transaction) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.txs) == 0 {
		return nil
	}
	top := s.txs[len(s.txs)-1]
	if top != tx {
		return fmt.Errorf("%w: clean after completion, expect xid: %s, top of stack: %s",
			ErrIllegalTransactionState, tx.Xid, top.Xid)
	}
	s.txs[len(s.txs)-1] = nil
	s.txs = s.txs[:len(s.txs)-1]
	return nil
}

func (s *callStack) size() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.txs)
}
