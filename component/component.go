package component

import "context"

// TCC Component TCC 组件模块
// 1. 定义: 参与者一侧对外暴露 confirm / cancel 能力的组件, 由使用方实现
// 2. 使用流程:
// 2.1 在 TX Manager 启动时将其注册到 TX Manager 的注册中心 RegistryCenter 中
// 2.2 事务进入第二阶段时, 参与者记录里保存的 target 会被解析成这里注册的组件, 再按照方法名进行调用
// 2.3 组件既可以是本地实现, 也可以是远程服务的客户端代理
// 3. 参数格式封装
// 3.1 TCCReq 请求参数  即 TX Manager 事务协调器调用 TCC 组件所需要的请求参数
// 3.2 TCCResp 响应结果 同样是 TX Manager 事务协调器调用 TCC 组件所返回的响应结果

// TCCReq 请求参数
type TCCReq struct {
	ComponentID string `json:"componentID"`
	// 需要调用的方法名, 即参与者登记的 confirm / cancel 方法
	Method string `json:"method"`
	// 参与者的事务 id, 格式为 globalID:branchQualifier
	TXID string `json:"txID"`
	// 调用时携带的事务状态, CONFIRMING 或 CANCELLING
	TXStatus int `json:"txStatus"`
	// try 阶段序列化下来的入参
	Args []byte `json:"args"`
}

// TCCResp 响应结果
type TCCResp struct {
	ComponentID string `json:"componentID"`
	ACK         bool   `json:"ack"`
	TXID        string `json:"txID"`
}

// TCCComponent 组件
// 用户需要自己实现的TCCComponent接口
type TCCComponent interface {
	// ID 返回组件唯一 id
	ID() string
	// Invoke 执行第二阶段的 confirm 或者 cancel 操作, 需要保证幂等
	Invoke(ctx context.Context, req *TCCReq) (*TCCResp, error)
}

// Func 把一个函数适配成 TCCComponent
type Func struct {
	Name string
	Fn   func(ctx context.Context, req *TCCReq) (*TCCResp, error)
}

func (f *Func) ID() string {
	return f.Name
}

func (f *Func) Invoke(ctx context.Context, req *TCCReq) (*TCCResp, error) {
	return f.Fn(ctx, req)
}
