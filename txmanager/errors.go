package txmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDuplicateTransaction 创建事务时 Xid 已经存在
	ErrDuplicateTransaction = errors.New("transaction xid duplicated")
	// ErrNoExistedTransaction 根据上游上下文查找事务失败, 通常是已经完成并被清理
	ErrNoExistedTransaction = errors.New("transaction not existed")
	// ErrOptimisticLock 版本号不匹配, 或者记录已经被删除
	ErrOptimisticLock = errors.New("transaction optimistic lock failed")
	// ErrIllegalTransactionState 调用上下文中的事务栈和预期不一致
	ErrIllegalTransactionState = errors.New("illegal transaction state")
	// ErrMandatoryPropagation MANDATORY 传播级别下既没有活跃事务也没有上游上下文
	ErrMandatoryPropagation = errors.New("no active compensable transaction while propagation is mandatory")
	// ErrTransactionIO 存储访问失败
	ErrTransactionIO = errors.New("transaction io failed")
	// ErrAsyncPoolSaturated 异步提交/回滚的协程池已满
	ErrAsyncPoolSaturated = errors.New("async terminate pool saturated")
)

// ConfirmingError 推进 confirm 过程中的失败, 事务记录保留, 由恢复任务后续重试
type ConfirmingError struct {
	Xid Xid
	Err error
}

func (e *ConfirmingError) Error() string {
	return fmt.Sprintf("compensable transaction confirm failed, xid: %s: %v", e.Xid, e.Err)
}

func (e *ConfirmingError) Unwrap() error {
	return e.Err
}

// CancellingError 推进 cancel 过程中的失败, 事务记录保留, 由恢复任务后续重试
type CancellingError struct {
	Xid Xid
	Err error
}

func (e *CancellingError) Error() string {
	return fmt.Sprintf("compensable transaction cancel failed, xid: %s: %v", e.Xid, e.Err)
}

func (e *CancellingError) Unwrap() error {
	return e.Err
}

// Kind 错误分类标签, 延迟回滚策略基于标签而不是具体的错误类型进行匹配
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindTimeout        Kind = "timeout"
	KindOptimisticLock Kind = "optimistic_lock"
	KindIO             Kind = "io"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

// Tag 给错误打上分类标签
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// RootCause 沿着 Unwrap 链找到最内层的错误
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// KindOf 只看错误本身 (不展开包装链) 得到的标签
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if ke, ok := err.(*kindError); ok {
		return ke.kind
	}
	switch err {
	case ErrOptimisticLock:
		return KindOptimisticLock
	case ErrTransactionIO:
		return KindIO
	case context.DeadlineExceeded:
		return KindTimeout
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// MatchKinds 错误本身或者其根因的标签命中集合中任意一个
func MatchKinds(err error, kinds []Kind) bool {
	if err == nil {
		return false
	}
	own, root := KindOf(err), KindOf(RootCause(err))
	for _, kind := range kinds {
		if kind == KindUnknown {
			continue
		}
		if own == kind || root == kind {
			return true
		}
	}
	return false
}
