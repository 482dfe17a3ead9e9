package example

import (
	"context"
	"errors"

	"github.com/demdxx/gocast"

	"github.com/xiaoxuxiansheng/compensable/interceptor"
	"github.com/xiaoxuxiansheng/compensable/txmanager"
)

// ErrFreezeRejected try 被组件拒绝, 例如数据已经冻结或者事务已经被取消
var ErrFreezeRejected = errors.New("account freeze rejected")

// AccountService 对外暴露的账户服务
// 没有上游事务上下文时作为根事务发起方, 携带上下文时作为分支事务参与到上游的全局事务中
type AccountService struct {
	interceptor *interceptor.Interceptor
	component   *AccountComponent
}

// NewAccountService 把组件注册到事务协调器上, 恢复任务通过它推进 confirm / cancel
func NewAccountService(manager *txmanager.TXManager, component *AccountComponent) (*AccountService, error) {
	if err := manager.Register(component); err != nil {
		return nil, err
	}
	return &AccountService{
		interceptor: interceptor.NewInterceptor(manager),
		component:   component,
	}, nil
}

// Freeze 冻结 bizID 对应的数据, 全局事务提交后转为成功态, 回滚后解冻
// txCtx 为上游传播过来的事务上下文, 本地发起时传 nil
func (s *AccountService) Freeze(ctx context.Context, txCtx *txmanager.TransactionContext, bizID string) error {
	mc := interceptor.NewMethodContext("Freeze", s.component.ID(), txCtx, bizID)
	mc.ConfirmMethod, mc.CancelMethod = MethodConfirm, MethodCancel
	mc.UniqueIdentityIndex = 1

	_, err := s.interceptor.Intercept(ctx, mc, func(ctx context.Context, args []interface{}) (interface{}, error) {
		participant, _ := args[0].(*txmanager.TransactionContext)
		if participant == nil {
			return nil, txmanager.ErrIllegalTransactionState
		}
		resp, err := s.component.Try(ctx, participant.Xid.String(), gocast.ToString(args[1]))
		if err != nil {
			return nil, err
		}
		if !resp.ACK {
			return nil, ErrFreezeRejected
		}
		return resp, nil
	})
	return err
}
