// Package gormstore 基于 gorm + MySQL 的事务存储后端
// 1. 一笔事务对应一行记录, 事务内容序列化之后存放在 content 列
// 2. status / retried_count / last_update_time / version 单独成列, 读取时覆盖反序列化出来的值
// 3. 更新以 version 为条件, 没有命中任何行即视为乐观锁冲突
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/compensable/txmanager"
)

const (
	defaultTable = "tcc_transaction"
	// mysql 唯一键冲突
	errDuplicateEntry = 1062
)

// TransactionRow 事务表的行结构
type TransactionRow struct {
	TransactionID   uint64    `gorm:"column:transaction_id;primaryKey;autoIncrement"`
	Domain          string    `gorm:"column:domain;type:varchar(100);index:idx_domain_update"`
	GlobalTxID      []byte    `gorm:"column:global_tx_id;type:varbinary(32);not null;uniqueIndex:ux_tx_bq"`
	BranchQualifier []byte    `gorm:"column:branch_qualifier;type:varbinary(32);not null;uniqueIndex:ux_tx_bq"`
	Content         []byte    `gorm:"column:content;type:varbinary(8000)"`
	Status          int       `gorm:"column:status"`
	TransactionType int       `gorm:"column:transaction_type"`
	RetriedCount    int       `gorm:"column:retried_count"`
	CreateTime      time.Time `gorm:"column:create_time"`
	LastUpdateTime  time.Time `gorm:"column:last_update_time;index:idx_domain_update"`
	Version         int64     `gorm:"column:version"`
	IsDelete        int8      `gorm:"column:is_delete;not null;default:0"`
}

// Store 实现 txmanager.Backend
type Store struct {
	db     *gorm.DB
	table  string
	domain string
	codec  txmanager.Codec
}

type Option func(*Store)

// WithDomain 多个业务共用一张表时按 domain 隔离
func WithDomain(domain string) Option {
	return func(s *Store) {
		s.domain = domain
	}
}

// WithTableSuffix 表名为 tcc_transaction + suffix
func WithTableSuffix(suffix string) Option {
	return func(s *Store) {
		s.table = defaultTable + suffix
	}
}

// WithCodec 事务内容的序列化方式, 默认 json
func WithCodec(codec txmanager.Codec) Option {
	return func(s *Store) {
		s.codec = codec
	}
}

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		table: defaultTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = txmanager.JSONCodec{}
	}
	return s
}

// Open 通过 dsn 连接 mysql, dsn 需要带上 parseTime=true
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 NewLogger(200 * time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// AutoMigrate 建表, 生产环境建议由 DBA 提前建好
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Table(s.table).AutoMigrate(&TransactionRow{})
}

func (s *Store) scope(ctx context.Context) *gorm.DB {
	db := s.db.WithContext(ctx).Table(s.table)
	if s.domain != "" {
		db = db.Where("domain = ?", s.domain)
	}
	return db
}

func (s *Store) DoCreate(ctx context.Context, tx *txmanager.Transaction) error {
	content, err := s.codec.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: marshal xid %s: %v", txmanager.ErrTransactionIO, tx.Xid, err)
	}
	row := TransactionRow{
		Domain:          s.domain,
		GlobalTxID:      tx.Xid.GlobalID[:],
		BranchQualifier: tx.Xid.BranchQualifier[:],
		Content:         content,
		Status:          int(tx.Status),
		TransactionType: int(tx.Type),
		RetriedCount:    tx.RetriedCount,
		CreateTime:      tx.CreateTime,
		LastUpdateTime:  tx.LastUpdateTime,
		Version:         tx.Version,
	}
	if err = s.db.WithContext(ctx).Table(s.table).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: xid: %s", txmanager.ErrDuplicateTransaction, tx.Xid)
		}
		return fmt.Errorf("%w: create xid %s: %v", txmanager.ErrTransactionIO, tx.Xid, err)
	}
	return nil
}

func (s *Store) DoUpdate(ctx context.Context, tx *txmanager.Transaction, expectedVersion int64) error {
	content, err := s.codec.Marshal(tx)
	if err != nil {
		return fmt.Errorf("%w: marshal xid %s: %v", txmanager.ErrTransactionIO, tx.Xid, err)
	}
	result := s.scope(ctx).
		Where("global_tx_id = ? AND branch_qualifier = ? AND version = ?",
			tx.Xid.GlobalID[:], tx.Xid.BranchQualifier[:], expectedVersion).
		Updates(map[string]interface{}{
			"content":          content,
			"status":           int(tx.Status),
			"last_update_time": tx.LastUpdateTime,
			"retried_count":    tx.RetriedCount,
			"version":          gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("%w: update xid %s: %v", txmanager.ErrTransactionIO, tx.Xid, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: xid: %s, expected version: %d", txmanager.ErrOptimisticLock, tx.Xid, expectedVersion)
	}
	return nil
}

func (s *Store) DoDelete(ctx context.Context, tx *txmanager.Transaction) error {
	err := s.scope(ctx).
		Where("global_tx_id = ? AND branch_qualifier = ?", tx.Xid.GlobalID[:], tx.Xid.BranchQualifier[:]).
		Delete(&TransactionRow{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete xid %s: %v", txmanager.ErrTransactionIO, tx.Xid, err)
	}
	return nil
}

func (s *Store) DoFindOne(ctx context.Context, xid txmanager.Xid) (*txmanager.Transaction, error) {
	var row TransactionRow
	err := s.scope(ctx).
		Where("global_tx_id = ? AND branch_qualifier = ? AND is_delete = 0", xid.GlobalID[:], xid.BranchQualifier[:]).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: xid: %s", txmanager.ErrNoExistedTransaction, xid)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find xid %s: %v", txmanager.ErrTransactionIO, xid, err)
	}
	return s.hydrate(&row)
}

func (s *Store) DoFindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*txmanager.Transaction, error) {
	var rows []*TransactionRow
	err := s.scope(ctx).
		Where("last_update_time < ? AND is_delete = 0", threshold).
		Order("last_update_time").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: find unmodified since %s: %v", txmanager.ErrTransactionIO, threshold, err)
	}

	txs := make([]*txmanager.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := s.hydrate(row)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// hydrate 反序列化 content, 再以独立的列覆盖状态、版本、重试次数和更新时间
func (s *Store) hydrate(row *TransactionRow) (*txmanager.Transaction, error) {
	tx, err := s.codec.Unmarshal(row.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal transaction %d: %v", txmanager.ErrTransactionIO, row.TransactionID, err)
	}
	status, err := txmanager.StatusOf(row.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %d: %v", txmanager.ErrTransactionIO, row.TransactionID, err)
	}
	tx.Status = status
	tx.Version = row.Version
	tx.RetriedCount = row.RetriedCount
	tx.LastUpdateTime = row.LastUpdateTime
	return tx, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
