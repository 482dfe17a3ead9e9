package txmanager

// ResolveRole 根据传播级别、当前调用上下文是否存在活跃事务、是否携带上游事务上下文计算角色
//   - ROOT: REQUIRED 且既无活跃事务也无上游上下文, 或者 REQUIRES_NEW
//   - PROVIDER: REQUIRED / MANDATORY 且无活跃事务, 但携带了上游上下文
//   - NORMAL: 其余情况
func ResolveRole(propagation Propagation, active, inbound bool) Role {
	if (propagation == PropagationRequired && !active && !inbound) ||
		propagation == PropagationRequiresNew {
		return RoleRoot
	}
	if (propagation == PropagationRequired || propagation == PropagationMandatory) && !active && inbound {
		return RoleProvider
	}
	return RoleNormal
}

// IsLegalContext MANDATORY 传播级别下必须存在活跃事务或者上游上下文
func IsLegalContext(propagation Propagation, active, inbound bool) bool {
	return propagation != PropagationMandatory || active || inbound
}
