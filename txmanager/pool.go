package txmanager

import "golang.org/x/sync/errgroup"

// asyncPool 异步 confirm / cancel 的执行池
// 提交时不会阻塞调用方, 池满直接返回 false, 由调用方把失败暴露出去
type asyncPool struct {
	group errgroup.Group
}

func newAsyncPool(size int) *asyncPool {
	p := &asyncPool{}
	p.group.SetLimit(size)
	return p
}

func (p *asyncPool) submit(task func()) bool {
	return p.group.TryGo(func() error {
		task()
		return nil
	})
}

// wait 等待已经提交的任务全部结束
func (p *asyncPool) wait() {
	_ = p.group.Wait()
}
