package txmanager

import (
	"time"

	"github.com/xiaoxuxiansheng/compensable/metrics"
)

// Options TX Manager 事务协调器、缓存存储层以及恢复任务共用的配置信息
type Options struct {
	// 单笔事务恢复的最大重试次数, 超过之后只打印错误日志, 需要人工介入
	MaxRetryCount int
	// 恢复间隔, 最后更新时间早于 now - RecoverDuration 的事务被视为异常事务
	RecoverDuration time.Duration
	// 恢复任务的轮询间隔
	RecoverTick time.Duration
	// 事务缓存的过期时长 (按访问续期) 和最大容量
	CacheExpire time.Duration
	CacheSize   int
	// try 阶段遇到这些标签的错误时不立即回滚, 交给恢复任务处理
	DelayCancelKinds []Kind
	// 异步 confirm / cancel 的协程池大小
	AsyncPoolSize int
	// 时钟, 测试中可以替换
	Now     func() time.Time
	Metrics *metrics.Collector
}

type Option func(*Options)

// WithMaxRetryCount 设置最大重试次数
func WithMaxRetryCount(count int) Option {
	if count <= 0 {
		count = 30
	}

	return func(o *Options) {
		o.MaxRetryCount = count
	}
}

// WithRecoverDuration 设置事务被视为异常的静默时长
func WithRecoverDuration(duration time.Duration) Option {
	if duration <= 0 {
		duration = 120 * time.Second
	}

	return func(o *Options) {
		o.RecoverDuration = duration
	}
}

// WithRecoverTick 设置恢复任务轮询间隔
func WithRecoverTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = time.Minute
	}

	return func(o *Options) {
		o.RecoverTick = tick
	}
}

// WithCacheExpire 设置缓存过期时长
func WithCacheExpire(expire time.Duration) Option {
	if expire <= 0 {
		expire = 120 * time.Second
	}

	return func(o *Options) {
		o.CacheExpire = expire
	}
}

// WithCacheSize 设置缓存最大容量
func WithCacheSize(size int) Option {
	if size <= 0 {
		size = 1000
	}

	return func(o *Options) {
		o.CacheSize = size
	}
}

// WithDelayCancelKinds 追加延迟回滚的错误标签, 默认的超时和乐观锁标签始终保留
func WithDelayCancelKinds(kinds ...Kind) Option {
	return func(o *Options) {
		o.DelayCancelKinds = append(o.DelayCancelKinds, kinds...)
	}
}

// WithAsyncPoolSize 设置异步 confirm / cancel 协程池大小
func WithAsyncPoolSize(size int) Option {
	if size <= 0 {
		size = 1024
	}

	return func(o *Options) {
		o.AsyncPoolSize = size
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithMetrics 注入 prometheus 指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Options) {
		o.Metrics = collector
	}
}

func newOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	repair(o)
	return o
}

// repair 没有设置的配置项赋值默认值
func repair(o *Options) {
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 30
	}

	if o.RecoverDuration <= 0 {
		o.RecoverDuration = 120 * time.Second
	}

	if o.RecoverTick <= 0 {
		o.RecoverTick = time.Minute
	}

	if o.CacheExpire <= 0 {
		o.CacheExpire = 120 * time.Second
	}

	if o.CacheSize <= 0 {
		o.CacheSize = 1000
	}

	if o.AsyncPoolSize <= 0 {
		o.AsyncPoolSize = 1024
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	o.DelayCancelKinds = mergeKinds([]Kind{KindTimeout, KindOptimisticLock}, o.DelayCancelKinds)
}

func mergeKinds(groups ...[]Kind) []Kind {
	seen := make(map[Kind]struct{})
	var merged []Kind
	for _, group := range groups {
		for _, kind := range group {
			if _, ok := seen[kind]; ok {
				continue
			}
			seen[kind] = struct{}{}
			merged = append(merged, kind)
		}
	}
	return merged
}
