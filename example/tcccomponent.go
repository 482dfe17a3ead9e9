package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/compensable/component"
	"github.com/xiaoxuxiansheng/compensable/example/pkg"
)

// TXStatus tcc 组件侧记录的一笔事务的状态
type TXStatus string

func (t TXStatus) String() string {
	return string(t)
}

const (
	TXTried     TXStatus = "tried"     // 已执行 try 操作
	TXConfirmed TXStatus = "confirmed" // 已执行 confirm 操作
	TXCanceled  TXStatus = "canceled"  // 已执行 cancel 操作
)

// DataStatus 一笔事务对应数据的状态
type DataStatus string

func (d DataStatus) String() string {
	return string(d)
}

const (
	DataFrozen     DataStatus = "frozen"     // 冻结态
	DataSuccessful DataStatus = "successful" // 成功态
)

// 参与者登记的 confirm / cancel 方法名
const (
	MethodConfirm = "confirm"
	MethodCancel  = "cancel"
)

// AccountComponent 账户冻结组件, 内置 redis 客户端用于完成状态数据的存取
// try 由业务方法在拦截器中直接调用, confirm / cancel 由事务协调器通过 Invoke 调用
type AccountComponent struct {
	id     string // tcc 组件唯一标识 id，构造时由使用方传入
	client *redis_lock.Client
}

func NewAccountComponent(id string, client *redis_lock.Client) *AccountComponent {
	return &AccountComponent{
		id:     id,
		client: client,
	}
}

// ID 返回 tcc 组件的唯一标识 id
func (a *AccountComponent) ID() string {
	return a.id
}

// Invoke 按照方法名分发 confirm / cancel 请求
func (a *AccountComponent) Invoke(ctx context.Context, req *component.TCCReq) (*component.TCCResp, error) {
	switch req.Method {
	case MethodConfirm:
		return a.Confirm(ctx, req.TXID)
	case MethodCancel:
		return a.Cancel(ctx, req.TXID)
	default:
		return nil, fmt.Errorf("component: %s unknown method: %s", a.id, req.Method)
	}
}

// Try 冻结 bizID 对应的数据, ACK 为 false 表示拒绝
func (a *AccountComponent) Try(ctx context.Context, txID, bizID string) (*component.TCCResp, error) {
	// 1. 基于 txID 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(a.id, txID), a.client)
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 2. 基于 txID 幂等性去重
	txStatus, err := a.client.Get(ctx, pkg.BuildTXKey(a.id, txID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return nil, err
	}

	res := component.TCCResp{
		ComponentID: a.id,
		TXID:        txID,
	}
	switch txStatus {
	case TXTried.String(), TXConfirmed.String(): // 重复的 try 请求，给予成功的响应
		res.ACK = true
		return &res, nil
	case TXCanceled.String(): // 先 cancel，后收到 try 请求，拒绝
		return &res, nil
	default:
	}

	// 3. 执行 try 操作，将数据状态置为 frozen
	if _, err = a.client.Set(ctx, pkg.BuildTXDetailKey(a.id, txID), bizID); err != nil {
		return nil, err
	}

	// 3.1 要求必须从零到一把 bizID 对应的数据置为冻结态
	reply, err := a.client.SetNX(ctx, pkg.BuildDataKey(a.id, txID, bizID), DataFrozen.String())
	if err != nil {
		return nil, err
	}
	// 倘若数据此前已冻结或已使用，则拒绝本次 try 请求
	if reply != 1 {
		return &res, nil
	}

	// 3.2 更新针对于该事务和该组件的状态
	if _, err = a.client.Set(ctx, pkg.BuildTXKey(a.id, txID), TXTried.String()); err != nil {
		return nil, err
	}

	// 4. try 请求执行成功
	res.ACK = true
	return &res, nil
}

func (a *AccountComponent) Confirm(ctx context.Context, txID string) (*component.TCCResp, error) {
	// 1. 基于 txID 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(a.id, txID), a.client)
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 2. 校验事务状态, 要求 txID 此前状态为 tried
	txStatus, err := a.client.Get(ctx, pkg.BuildTXKey(a.id, txID))
	if err != nil {
		return nil, err
	}

	res := component.TCCResp{
		ComponentID: a.id,
		TXID:        txID,
	}
	switch txStatus {
	case TXConfirmed.String(): // 已 confirm，直接幂等响应为成功
		res.ACK = true
		return &res, nil
	case TXTried.String(): // 只有状态为 try 放行
	default: // 其他情况直接拒绝
		return &res, nil
	}

	bizID, err := a.client.Get(ctx, pkg.BuildTXDetailKey(a.id, txID))
	if err != nil {
		return nil, err
	}

	// 3. 校验业务数据此前状态是否为冻结
	dataStatus, err := a.client.Get(ctx, pkg.BuildDataKey(a.id, txID, bizID))
	if err != nil {
		return nil, err
	}
	if dataStatus != DataFrozen.String() {
		return &res, nil
	}

	// 4. 把对应数据处理状态置为 successful
	if _, err = a.client.Set(ctx, pkg.BuildDataKey(a.id, txID, bizID), DataSuccessful.String()); err != nil {
		return nil, err
	}

	// 把事务状态更新为成功，这一步哪怕失败了也不阻塞主流程
	_, _ = a.client.Set(ctx, pkg.BuildTXKey(a.id, txID), TXConfirmed.String())

	res.ACK = true
	return &res, nil
}

// Cancel 允许空回滚: try 从未执行时同样置为 canceled, 阻止之后迟到的 try
func (a *AccountComponent) Cancel(ctx context.Context, txID string) (*component.TCCResp, error) {
	lock := redis_lock.NewRedisLock(pkg.BuildTXLockKey(a.id, txID), a.client)
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	txStatus, err := a.client.Get(ctx, pkg.BuildTXKey(a.id, txID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return nil, err
	}
	// 先 confirm 后 cancel，属于非法的状态扭转链路
	if txStatus == TXConfirmed.String() {
		return nil, fmt.Errorf("invalid tx status: %s, txid: %s", txStatus, txID)
	}

	bizID, err := a.client.Get(ctx, pkg.BuildTXDetailKey(a.id, txID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return nil, err
	}

	if bizID != "" {
		// 删除对应的 frozen 冻结记录
		if err = a.client.Del(ctx, pkg.BuildDataKey(a.id, txID, bizID)); err != nil {
			return nil, err
		}
	}

	if _, err = a.client.Set(ctx, pkg.BuildTXKey(a.id, txID), TXCanceled.String()); err != nil {
		return nil, err
	}

	return &component.TCCResp{
		ACK:         true,
		ComponentID: a.id,
		TXID:        txID,
	}, nil
}
