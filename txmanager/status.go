package txmanager

import "fmt"

// Status 事务状态, 数值会作为索引列落库, 不能随意调整
type Status int

const (
	// StatusTrying 事务执行中 (try 阶段)
	StatusTrying Status = 1
	// StatusConfirming 已决定提交
	StatusConfirming Status = 2
	// StatusCancelling 已决定回滚
	StatusCancelling Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusTrying:
		return "TRYING"
	case StatusConfirming:
		return "CONFIRMING"
	case StatusCancelling:
		return "CANCELLING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusOf 根据落库的数值还原状态
func StatusOf(id int) (Status, error) {
	switch s := Status(id); s {
	case StatusTrying, StatusConfirming, StatusCancelling:
		return s, nil
	default:
		return 0, fmt.Errorf("unknown transaction status: %d", id)
	}
}

// Type 事务类型
type Type int

const (
	// TypeRoot 本地发起, 决定全局事务的最终结果
	TypeRoot Type = 1
	// TypeBranch 响应上游传播过来的事务上下文而创建
	TypeBranch Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeRoot:
		return "ROOT"
	case TypeBranch:
		return "BRANCH"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// TypeOf 根据落库的数值还原事务类型
func TypeOf(id int) (Type, error) {
	switch t := Type(id); t {
	case TypeRoot, TypeBranch:
		return t, nil
	default:
		return 0, fmt.Errorf("unknown transaction type: %d", id)
	}
}

// Propagation 事务传播级别
type Propagation int

const (
	// PropagationRequired 有活跃事务则加入, 否则新建根事务 (没有上游上下文时)
	PropagationRequired Propagation = iota
	// PropagationSupports 不做任何事务处理
	PropagationSupports
	// PropagationMandatory 必须加入上游传播过来的事务
	PropagationMandatory
	// PropagationRequiresNew 总是新建根事务, 挂起当前事务
	PropagationRequiresNew
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

// Role 一次调用在事务中扮演的角色
type Role int

const (
	RoleNormal Role = iota
	RoleRoot
	RoleProvider
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "ROOT"
	case RoleProvider:
		return "PROVIDER"
	default:
		return "NORMAL"
	}
}
