package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/compensable/component"
)

// TX Manager 中 RegistryCenter 模块
// 1. 通过map存储所有注册进来的 TCC 组件ID和实际的 TCC 组件的映射
// 2. 通过读写锁 rwMutex 保护map的并发安全性
// 3. 作为 Invoker, 把参与者记录里的调用描述解析成真实组件并发起调用

type registryCenter struct {
	mux        sync.RWMutex
	components map[string]component.TCCComponent
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		components: make(map[string]component.TCCComponent),
	}
}

// register 将 TCC 组件注册进入注册中心, 组件 ID 不能重复
func (r *registryCenter) register(component component.TCCComponent) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.components[component.ID()]; ok {
		return errors.New("repeat component id")
	}
	r.components[component.ID()] = component
	return nil
}

// getComponent 通过组件 ID 获取组件, 不存在时报错
func (r *registryCenter) getComponent(componentID string) (component.TCCComponent, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	component, ok := r.components[componentID]
	if !ok {
		return nil, fmt.Errorf("component id: %s not existed", componentID)
	}
	return component, nil
}

// Invoke 调用参与者登记的 confirm / cancel 方法, 组件拒绝 (ACK 为 false) 同样视为失败
func (r *registryCenter) Invoke(ctx context.Context, txCtx TransactionContext, invocation InvocationContext) error {
	target, err := r.getComponent(invocation.Target)
	if err != nil {
		return err
	}

	resp, err := target.Invoke(ctx, &component.TCCReq{
		ComponentID: invocation.Target,
		Method:      invocation.Method,
		TXID:        txCtx.Xid.String(),
		TXStatus:    int(txCtx.Status),
		Args:        invocation.Args,
	})
	if err != nil {
		return err
	}
	if resp == nil || !resp.ACK {
		return fmt.Errorf("component: %s method: %s ack failed", invocation.Target, invocation.Method)
	}
	return nil
}
