package txmanager

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// uniqueIdentityNamespace 根据业务唯一键派生全局事务 id 时使用的命名空间
var uniqueIdentityNamespace = uuid.MustParse("6d1c2f3e-8f59-4c7a-9a0e-2b3c4d5e6f70")

// Xid 事务唯一标识, 由全局事务 id 和分支限定符组成
// 根事务的分支限定符固定为空 uuid, 分支事务在全局事务 id 之下重新生成分支限定符
// 两个字段均为定长数组, Xid 可以直接作为 map / 缓存的 key
type Xid struct {
	GlobalID        uuid.UUID `json:"globalID"`
	BranchQualifier uuid.UUID `json:"branchQualifier"`
}

// NewXid 为根事务生成新的 Xid
// uniqueIdentity 非空时全局事务 id 由其派生, 同一个业务键重复开启根事务会因为 Xid 冲突而失败
func NewXid(uniqueIdentity string) Xid {
	if uniqueIdentity != "" {
		return Xid{GlobalID: uuid.NewSHA1(uniqueIdentityNamespace, []byte(uniqueIdentity))}
	}
	return Xid{GlobalID: uuid.New()}
}

// NewBranchXid 在给定的全局事务 id 下派生一个新的分支
func NewBranchXid(globalID uuid.UUID) Xid {
	return Xid{GlobalID: globalID, BranchQualifier: uuid.New()}
}

func (x Xid) String() string {
	return x.GlobalID.String() + ":" + x.BranchQualifier.String()
}

// ParseXid 解析 String 输出的格式
func ParseXid(s string) (Xid, error) {
	global, branch, ok := strings.Cut(s, ":")
	if !ok {
		return Xid{}, fmt.Errorf("invalid xid: %q", s)
	}
	globalID, err := uuid.Parse(global)
	if err != nil {
		return Xid{}, fmt.Errorf("invalid global id of xid %q: %w", s, err)
	}
	qualifier, err := uuid.Parse(branch)
	if err != nil {
		return Xid{}, fmt.Errorf("invalid branch qualifier of xid %q: %w", s, err)
	}
	return Xid{GlobalID: globalID, BranchQualifier: qualifier}, nil
}
