package txmanager

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedRepository 带缓存的事务存储
// 1. 缓存只是读加速, 任何写操作都以后端的结果为准
// 2. create / update 成功后刷新缓存, update 失败、delete 无论成败都剔除缓存
// 3. 缓存容量有限, 按访问续期过期
// 4. 缓存中保存的是副本, 读取时同样返回副本, 不同调用方之间不会共享同一个对象, 并发写入由后端的版本号裁决
type CachedRepository struct {
	backend Backend
	cache   *expirable.LRU[Xid, *Transaction]
	now     func() time.Time
}

// NewCachedRepository 包装存储后端, 读取 WithCacheSize / WithCacheExpire / WithClock
func NewCachedRepository(backend Backend, opts ...Option) *CachedRepository {
	o := newOptions(opts...)
	return &CachedRepository{
		backend: backend,
		cache:   expirable.NewLRU[Xid, *Transaction](o.CacheSize, nil, o.CacheExpire),
		now:     o.Now,
	}
}

func (c *CachedRepository) Create(ctx context.Context, tx *Transaction) error {
	if err := c.backend.DoCreate(ctx, tx); err != nil {
		return err
	}
	c.putToCache(tx)
	return nil
}

// Update 写入前递增版本号和更新时间, 失败时恢复内存中的值并剔除缓存, 下次读取会回源
func (c *CachedRepository) Update(ctx context.Context, tx *Transaction) error {
	lastUpdateTime, currentVersion := tx.LastUpdateTime, tx.Version
	tx.UpdateTime(c.now())
	tx.UpdateVersion()

	if err := c.backend.DoUpdate(ctx, tx, currentVersion); err != nil {
		tx.LastUpdateTime, tx.Version = lastUpdateTime, currentVersion
		c.removeFromCache(tx.Xid)
		return err
	}
	c.putToCache(tx)
	return nil
}

func (c *CachedRepository) Delete(ctx context.Context, tx *Transaction) error {
	defer c.removeFromCache(tx.Xid)
	return c.backend.DoDelete(ctx, tx)
}

func (c *CachedRepository) FindByXid(ctx context.Context, xid Xid) (*Transaction, error) {
	if tx, ok := c.findFromCache(xid); ok {
		return tx, nil
	}
	tx, err := c.backend.DoFindOne(ctx, xid)
	if err != nil {
		return nil, err
	}
	c.putToCache(tx)
	return tx, nil
}

// FindAllUnmodifiedSince 恢复任务的批量扫描, 总是直接查询后端, 并预热缓存
func (c *CachedRepository) FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*Transaction, error) {
	txs, err := c.backend.DoFindAllUnmodifiedSince(ctx, threshold)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		c.putToCache(tx)
	}
	return txs, nil
}

func (c *CachedRepository) putToCache(tx *Transaction) {
	c.cache.Add(tx.Xid, tx.clone())
}

func (c *CachedRepository) removeFromCache(xid Xid) {
	c.cache.Remove(xid)
}

// findFromCache 命中时重新写入以续期过期时间
func (c *CachedRepository) findFromCache(xid Xid) (*Transaction, bool) {
	tx, ok := c.cache.Get(xid)
	if !ok {
		return nil, false
	}
	c.cache.Add(xid, tx)
	return tx.clone(), true
}
