package txmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryRecord 和数据库表结构对应: 内容 + 独立的状态/版本/时间字段
type memoryRecord struct {
	content        []byte
	status         Status
	typ            Type
	retriedCount   int
	createTime     time.Time
	lastUpdateTime time.Time
	version        int64
}

// MemoryBackend 进程内的存储后端, 语义与数据库实现一致, 适用于测试和单进程部署
// 记录以序列化后的内容保存, 读出的永远是新对象, 不会与调用方共享内存
type MemoryBackend struct {
	mux     sync.Mutex
	codec   Codec
	records map[Xid]*memoryRecord
}

func NewMemoryBackend(codec Codec) *MemoryBackend {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &MemoryBackend{
		codec:   codec,
		records: make(map[Xid]*memoryRecord),
	}
}

func (m *MemoryBackend) DoCreate(_ context.Context, tx *Transaction) error {
	data, err := m.codec.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: marshal xid %s: %v", ErrTransactionIO, tx.Xid, err)
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.records[tx.Xid]; ok {
		return fmt.Errorf("%w: xid: %s", ErrDuplicateTransaction, tx.Xid)
	}
	m.records[tx.Xid] = &memoryRecord{
		content:        data,
		status:         tx.Status,
		typ:            tx.Type,
		retriedCount:   tx.RetriedCount,
		createTime:     tx.CreateTime,
		lastUpdateTime: tx.LastUpdateTime,
		version:        tx.Version,
	}
	return nil
}

func (m *MemoryBackend) DoUpdate(_ context.Context, tx *Transaction, expectedVersion int64) error {
	data, err := m.codec.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: marshal xid %s: %v", ErrTransactionIO, tx.Xid, err)
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	record, ok := m.records[tx.Xid]
	if !ok || record.version != expectedVersion {
		return fmt.Errorf("%w: xid: %s, expected version: %d", ErrOptimisticLock, tx.Xid, expectedVersion)
	}
	record.content = data
	record.status = tx.Status
	record.retriedCount = tx.RetriedCount
	record.lastUpdateTime = tx.LastUpdateTime
	record.version = expectedVersion + 1
	return nil
}

func (m *MemoryBackend) DoDelete(_ context.Context, tx *Transaction) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.records, tx.Xid)
	return nil
}

func (m *MemoryBackend) DoFindOne(_ context.Context, xid Xid) (*Transaction, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	record, ok := m.records[xid]
	if !ok {
		return nil, fmt.Errorf("%w: xid: %s", ErrNoExistedTransaction, xid)
	}
	return m.hydrate(record)
}

// DoFindAllUnmodifiedSince 结果按最后更新时间升序
func (m *MemoryBackend) DoFindAllUnmodifiedSince(_ context.Context, threshold time.Time) ([]*Transaction, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	var txs []*Transaction
	for _, record := range m.records {
		if !record.lastUpdateTime.Before(threshold) {
			continue
		}
		tx, err := m.hydrate(record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].LastUpdateTime.Before(txs[j].LastUpdateTime)
	})
	return txs, nil
}

// Len 当前保存的事务数量
func (m *MemoryBackend) Len() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.records)
}

// hydrate 反序列化内容, 再以独立字段覆盖状态、版本、重试次数和更新时间
func (m *MemoryBackend) hydrate(record *memoryRecord) (*Transaction, error) {
	tx, err := m.codec.Unmarshal(record.content)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrTransactionIO, err)
	}
	tx.Status = record.status
	tx.Version = record.version
	tx.RetriedCount = record.retriedCount
	tx.LastUpdateTime = record.lastUpdateTime
	return tx, nil
}
