package txmanager

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Codec 事务内容的序列化方式
// 库里已经存在数据之后不能再更换, 否则历史记录无法反序列化
type Codec interface {
	Marshal(tx *Transaction) ([]byte, error)
	Unmarshal(data []byte) (*Transaction, error)
}

// content 落库的内容结构, 只包含基础类型, 不同编码方式之间保持一致
type content struct {
	GlobalID        []byte               `json:"globalID" codec:"globalID"`
	BranchQualifier []byte               `json:"branchQualifier" codec:"branchQualifier"`
	Status          int                  `json:"status" codec:"status"`
	Type            int                  `json:"type" codec:"type"`
	Participants    []participantContent `json:"participants" codec:"participants"`
	RetriedCount    int                  `json:"retriedCount" codec:"retriedCount"`
	CreateTime      int64                `json:"createTime" codec:"createTime"`
	LastUpdateTime  int64                `json:"lastUpdateTime" codec:"lastUpdateTime"`
	Version         int64                `json:"version" codec:"version"`
}

type participantContent struct {
	GlobalID        []byte            `json:"globalID" codec:"globalID"`
	BranchQualifier []byte            `json:"branchQualifier" codec:"branchQualifier"`
	Confirm         invocationContent `json:"confirm" codec:"confirm"`
	Cancel          invocationContent `json:"cancel" codec:"cancel"`
}

type invocationContent struct {
	Target string `json:"target" codec:"target"`
	Method string `json:"method" codec:"method"`
	Args   []byte `json:"args" codec:"args"`
}

func toContent(tx *Transaction) *content {
	c := &content{
		GlobalID:        tx.Xid.GlobalID[:],
		BranchQualifier: tx.Xid.BranchQualifier[:],
		Status:          int(tx.Status),
		Type:            int(tx.Type),
		Participants:    make([]participantContent, 0, len(tx.Participants)),
		RetriedCount:    tx.RetriedCount,
		CreateTime:      tx.CreateTime.UnixNano(),
		LastUpdateTime:  tx.LastUpdateTime.UnixNano(),
		Version:         tx.Version,
	}
	for _, p := range tx.Participants {
		c.Participants = append(c.Participants, participantContent{
			GlobalID:        p.Xid.GlobalID[:],
			BranchQualifier: p.Xid.BranchQualifier[:],
			Confirm:         invocationContent(p.Confirm),
			Cancel:          invocationContent(p.Cancel),
		})
	}
	return c
}

func fromContent(c *content) (*Transaction, error) {
	xid, err := xidFromBytes(c.GlobalID, c.BranchQualifier)
	if err != nil {
		return nil, err
	}
	status, err := StatusOf(c.Status)
	if err != nil {
		return nil, err
	}
	typ, err := TypeOf(c.Type)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		Xid:            xid,
		Status:         status,
		Type:           typ,
		Participants:   make([]*Participant, 0, len(c.Participants)),
		RetriedCount:   c.RetriedCount,
		CreateTime:     time.Unix(0, c.CreateTime),
		LastUpdateTime: time.Unix(0, c.LastUpdateTime),
		Version:        c.Version,
	}
	for _, p := range c.Participants {
		pxid, err := xidFromBytes(p.GlobalID, p.BranchQualifier)
		if err != nil {
			return nil, err
		}
		tx.Participants = append(tx.Participants, &Participant{
			Xid:     pxid,
			Confirm: InvocationContext(p.Confirm),
			Cancel:  InvocationContext(p.Cancel),
		})
	}
	return tx, nil
}

func xidFromBytes(global, branch []byte) (Xid, error) {
	globalID, err := uuid.FromBytes(global)
	if err != nil {
		return Xid{}, fmt.Errorf("decode global id: %w", err)
	}
	qualifier, err := uuid.FromBytes(branch)
	if err != nil {
		return Xid{}, fmt.Errorf("decode branch qualifier: %w", err)
	}
	return Xid{GlobalID: globalID, BranchQualifier: qualifier}, nil
}

// JSONCodec 默认编码, 便于排查问题时直接查看库里的内容
type JSONCodec struct{}

func (JSONCodec) Marshal(tx *Transaction) ([]byte, error) {
	return json.Marshal(toContent(tx))
}

func (JSONCodec) Unmarshal(data []byte) (*Transaction, error) {
	var c content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return fromContent(&c)
}

// MsgpackCodec 体积更小的二进制编码
type MsgpackCodec struct {
	handle codec.MsgpackHandle
}

func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

func (m *MsgpackCodec) Marshal(tx *Transaction) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &m.handle).Encode(toContent(tx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MsgpackCodec) Unmarshal(data []byte) (*Transaction, error) {
	var c content
	if err := codec.NewDecoderBytes(data, &m.handle).Decode(&c); err != nil {
		return nil, err
	}
	return fromContent(&c)
}
