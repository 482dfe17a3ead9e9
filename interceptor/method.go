package interceptor

import (
	"context"
	"encoding/json"

	"github.com/demdxx/gocast"

	"github.com/xiaoxuxiansheng/compensable/txmanager"
)

// NoUniqueIdentity 方法参数中没有业务唯一键
const NoUniqueIdentity = -1

// ProceedFunc 被拦截的业务逻辑 (try 逻辑), args 为注入事务上下文之后的参数
type ProceedFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// MethodContext 一次可补偿方法调用的描述
type MethodContext struct {
	// Name 方法名, 仅用于日志和错误信息
	Name string
	// Target 负责 confirm / cancel 的组件 id, 需要提前注册到事务协调器上
	Target string
	// Propagation 传播级别, 默认 REQUIRED
	Propagation txmanager.Propagation
	// ConfirmMethod / CancelMethod 组件上对应的方法名, 都为空时不登记参与者
	ConfirmMethod string
	CancelMethod  string
	Args          []interface{}
	// UniqueIdentityIndex 业务唯一键在 Args 中的下标, 根事务的全局 id 由其派生
	UniqueIdentityIndex int
	// Editor 从参数中提取 / 向参数中注入事务上下文, 为空时使用 ArgsEditor
	Editor       ContextEditor
	AsyncConfirm bool
	AsyncCancel  bool
	// DelayCancelKinds 在拦截器全局配置之外追加的延迟回滚标签
	DelayCancelKinds []txmanager.Kind
}

// NewMethodContext 构造 REQUIRED 传播级别、没有业务唯一键的方法描述
func NewMethodContext(name, target string, args ...interface{}) *MethodContext {
	return &MethodContext{
		Name:                name,
		Target:              target,
		Propagation:         txmanager.PropagationRequired,
		Args:                args,
		UniqueIdentityIndex: NoUniqueIdentity,
		Editor:              ArgsEditor{},
	}
}

func (m *MethodContext) editor() ContextEditor {
	if m.Editor == nil {
		return ArgsEditor{}
	}
	return m.Editor
}

// UniqueIdentity 业务唯一键, 统一转换为字符串
func (m *MethodContext) UniqueIdentity() string {
	if m.UniqueIdentityIndex < 0 || m.UniqueIdentityIndex >= len(m.Args) {
		return ""
	}
	return gocast.ToString(m.Args[m.UniqueIdentityIndex])
}

func (m *MethodContext) compensable() bool {
	return m.ConfirmMethod != "" || m.CancelMethod != ""
}

// participant 组装参与者, confirm / cancel 复用 try 阶段的参数
// 参数中的事务上下文不落库, confirm / cancel 时由协调器重新下发
func (m *MethodContext) participant(xid txmanager.Xid) (*txmanager.Participant, error) {
	args := make([]interface{}, len(m.Args))
	for i, arg := range m.Args {
		if _, ok := arg.(*txmanager.TransactionContext); ok {
			continue
		}
		args[i] = arg
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &txmanager.Participant{
		Xid:     xid,
		Confirm: txmanager.InvocationContext{Target: m.Target, Method: m.ConfirmMethod, Args: body},
		Cancel:  txmanager.InvocationContext{Target: m.Target, Method: m.CancelMethod, Args: body},
	}, nil
}

// ContextEditor 事务上下文在方法参数上的存取方式
type ContextEditor interface {
	// Extract 返回参数中携带的上游事务上下文, 没有时返回 nil
	Extract(args []interface{}) *txmanager.TransactionContext
	// Inject 返回注入了 txCtx 的参数
	Inject(txCtx *txmanager.TransactionContext, args []interface{}) []interface{}
}

// ArgsEditor 事务上下文以 *txmanager.TransactionContext 类型出现在参数列表中
type ArgsEditor struct{}

func (ArgsEditor) Extract(args []interface{}) *txmanager.TransactionContext {
	for _, arg := range args {
		if txCtx, ok := arg.(*txmanager.TransactionContext); ok && txCtx != nil {
			return txCtx
		}
	}
	return nil
}

// Inject 替换第一个 *txmanager.TransactionContext 类型的参数 (可以是 nil 指针), 不存在时原样返回
func (ArgsEditor) Inject(txCtx *txmanager.TransactionContext, args []interface{}) []interface{} {
	injected := make([]interface{}, len(args))
	copy(injected, args)
	for i, arg := range injected {
		if _, ok := arg.(*txmanager.TransactionContext); ok {
			injected[i] = txCtx
			break
		}
	}
	return injected
}

// NullableEditor 不传播事务上下文
type NullableEditor struct{}

func (NullableEditor) Extract([]interface{}) *txmanager.TransactionContext {
	return nil
}

func (NullableEditor) Inject(_ *txmanager.TransactionContext, args []interface{}) []interface{} {
	return args
}
