package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// NewRedisClient 返回自定义的Redis客户端对象
func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// BuildTXKey 构造事务 id key，用于幂等去重
func BuildTXKey(componentID, txID string) string {
	return fmt.Sprintf("txKey:%s:%s", componentID, txID)
}

// BuildTXDetailKey 构造事务细节 key, 记录事务对应的 bizID
func BuildTXDetailKey(componentID, txID string) string {
	return fmt.Sprintf("txDetailKey:%s:%s", componentID, txID)
}

// BuildDataKey 构造业务数据 key，用于记录状态机
func BuildDataKey(componentID, txID, bizID string) string {
	return fmt.Sprintf("txKey:%s:%s:%s", componentID, txID, bizID)
}

// BuildTXLockKey 构造事务锁 key
func BuildTXLockKey(componentID, txID string) string {
	return fmt.Sprintf("txLockKey:%s:%s", componentID, txID)
}
