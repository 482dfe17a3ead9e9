package txmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xiaoxuxiansheng/compensable/metrics"
)

func TestRecoveryStopsAfterMaxRetry(t *testing.T) {
	logs := observeLogs(t)
	collector, err := metrics.New(nil)
	require.NoError(t, err)
	env := newTestEnv(t, WithMaxRetryCount(3), WithRecoverDuration(10*time.Second), WithMetrics(collector))
	recovery := NewRecovery(env.manager, nil)
	ctx := WithCallContext(context.Background())

	tx, err := env.manager.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, env.manager.EnlistParticipant(ctx, env.participant(tx, "1")))
	env.comp.setFail("confirm1", errors.New("account service unavailable"))
	require.Error(t, env.manager.Commit(ctx, false))

	for i := 1; i <= 4; i++ {
		env.clock.Advance(15 * time.Second)
		require.NoError(t, recovery.RunOnce(context.Background()))

		stored, err := env.backend.DoFindOne(context.Background(), tx.Xid)
		require.NoError(t, err)
		assert.Equal(t, i, stored.RetriedCount)
	}
	assert.Len(t, env.comp.Calls(), 5)
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.Recovery().WithLabelValues(metrics.OutcomeFailure)))

	// 第五个周期超过最大重试次数, 不再调用参与者
	env.clock.Advance(15 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Len(t, env.comp.Calls(), 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Recovery().WithLabelValues(metrics.OutcomeSkippedMaxRetry)))

	maxRetryLogs := logs.FilterMessageSnippet("max retry count").AllUntimed()
	require.Len(t, maxRetryLogs, 1)
	assert.Equal(t, zapcore.ErrorLevel, maxRetryLogs[0].Level)
	assert.Equal(t, tx.Xid.String(), maxRetryLogs[0].ContextMap()["txID"])
}

func TestRecoveryConfirmsStalledTransaction(t *testing.T) {
	env := newTestEnv(t, WithRecoverDuration(10*time.Second))
	recovery := NewRecovery(env.manager, nil)
	ctx := WithCallContext(context.Background())

	tx, err := env.manager.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, env.manager.EnlistParticipant(ctx, env.participant(tx, "1")))
	env.comp.setFail("confirm1", errors.New("account service unavailable"))
	require.Error(t, env.manager.Commit(ctx, false))
	env.comp.setFail("confirm1", nil)

	// 尚未超过恢复间隔
	env.clock.Advance(5 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Equal(t, 1, env.backend.Len())

	env.clock.Advance(10 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Equal(t, []string{"confirm1", "confirm1"}, env.comp.Calls())
	assert.Equal(t, 0, env.backend.Len())
}

func TestRecoveryCancelsDelayedRoot(t *testing.T) {
	env := newTestEnv(t, WithRecoverDuration(10*time.Second))
	recovery := NewRecovery(env.manager, nil)
	ctx := WithCallContext(context.Background())

	// try 阶段超时命中延迟回滚, 事务停留在 TRYING
	tx, err := env.manager.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, env.manager.EnlistParticipant(ctx, env.participant(tx, "1")))
	require.True(t, env.manager.IsDelayCancel(Tag(KindTimeout, errors.New("try timeout"))))
	require.NoError(t, env.manager.CleanAfterCompletion(ctx, tx))

	env.clock.Advance(15 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Equal(t, []string{"cancel1"}, env.comp.Calls())
	assert.Equal(t, 0, env.backend.Len())
}

func TestRecoveryBranchRules(t *testing.T) {
	collector, err := metrics.New(nil)
	require.NoError(t, err)
	env := newTestEnv(t, WithMaxRetryCount(3), WithRecoverDuration(10*time.Second), WithMetrics(collector))
	recovery := NewRecovery(env.manager, nil)

	rootXid := NewBranchXid(NewXid("").GlobalID)
	ctx := WithCallContext(context.Background())
	branch, err := env.manager.PropagationNewBegin(ctx, &TransactionContext{Xid: rootXid, Status: StatusTrying})
	require.NoError(t, err)
	require.NoError(t, env.manager.EnlistParticipant(ctx, env.participant(branch, "1")))

	// 分支事务在 MaxRetryCount * RecoverDuration 之内交给根事务推进
	env.clock.Advance(15 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Empty(t, env.comp.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Recovery().WithLabelValues(metrics.OutcomeSkippedBranch)))

	// 之后仍处于 TRYING 的分支只累加重试次数
	env.clock.Advance(20 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Empty(t, env.comp.Calls())
	stored, err := env.backend.DoFindOne(context.Background(), rootXid)
	require.NoError(t, err)
	assert.Equal(t, StatusTrying, stored.Status)
	assert.Equal(t, 1, stored.RetriedCount)

	// 根事务已经下发过 cancel 但分支回滚失败
	cancel := WithCallContext(context.Background())
	found, err := env.manager.PropagationExistBegin(cancel, &TransactionContext{Xid: rootXid, Status: StatusCancelling})
	require.NoError(t, err)
	env.comp.setFail("cancel1", errors.New("account service unavailable"))
	require.Error(t, env.manager.Rollback(cancel, false))
	require.NoError(t, env.manager.CleanAfterCompletion(cancel, found))
	env.comp.setFail("cancel1", nil)

	env.clock.Advance(15 * time.Second)
	require.NoError(t, recovery.RunOnce(context.Background()))
	assert.Equal(t, []string{"cancel1", "cancel1"}, env.comp.Calls())
	assert.Equal(t, 0, env.backend.Len())
}

// racingBackend 在第一次更新之前抢先写入一次, 模拟另一个实例并发修改
type racingBackend struct {
	*MemoryBackend
	race bool
}

func (b *racingBackend) DoUpdate(ctx context.Context, tx *Transaction, expectedVersion int64) error {
	if b.race {
		b.race = false
		if other, err := b.MemoryBackend.DoFindOne(ctx, tx.Xid); err == nil {
			_ = b.MemoryBackend.DoUpdate(ctx, other, other.Version)
		}
	}
	return b.MemoryBackend.DoUpdate(ctx, tx, expectedVersion)
}

func TestRecoveryOptimisticLockIsWarning(t *testing.T) {
	logs := observeLogs(t)
	clock := newFakeClock()
	opts := []Option{WithClock(clock.Now), WithRecoverDuration(10 * time.Second)}
	backend := &racingBackend{MemoryBackend: NewMemoryBackend(nil)}
	manager := NewTXManager(NewCachedRepository(backend, opts...), opts...)
	t.Cleanup(manager.Stop)
	comp := newRecordingComponent("account")
	require.NoError(t, manager.Register(comp))

	ctx := WithCallContext(context.Background())
	tx, err := manager.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, manager.CleanAfterCompletion(ctx, tx))

	clock.Advance(15 * time.Second)
	backend.race = true
	require.NoError(t, NewRecovery(manager, nil).RunOnce(context.Background()))

	assert.Empty(t, comp.Calls())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("optimistic lock").Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, backend.Len())
}

type refusingLocker struct{}

func (refusingLocker) Lock(context.Context, time.Duration) error { return errors.New("held by another instance") }
func (refusingLocker) Unlock(context.Context) error              { return nil }

func TestRecoveryRun(t *testing.T) {
	env := newTestEnv(t, WithRecoverDuration(10*time.Second), WithRecoverTick(10*time.Millisecond))
	ctx := WithCallContext(context.Background())
	tx, err := env.manager.Begin(ctx, "")
	require.NoError(t, err)
	require.NoError(t, env.manager.EnlistParticipant(ctx, env.participant(tx, "1")))
	env.clock.Advance(15 * time.Second)

	t.Run("lock held elsewhere", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			NewRecovery(env.manager, refusingLocker{}).Run(runCtx)
		}()
		assert.Never(t, func() bool { return env.backend.Len() == 0 }, 100*time.Millisecond, 10*time.Millisecond)
		cancel()
		<-done
	})

	t.Run("local lock", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			NewRecovery(env.manager, nil).Run(runCtx)
		}()
		assert.Eventually(t, func() bool { return env.backend.Len() == 0 }, time.Second, 10*time.Millisecond)
		cancel()
		<-done
		assert.Equal(t, []string{"cancel1"}, env.comp.Calls())
	})
}

// recordingLocker 记录每次加锁的过期时间
type recordingLocker struct {
	mux     sync.Mutex
	expires []time.Duration
}

func (l *recordingLocker) Lock(_ context.Context, expireDuration time.Duration) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.expires = append(l.expires, expireDuration)
	return nil
}

func (l *recordingLocker) Unlock(context.Context) error { return nil }

func (l *recordingLocker) Expires() []time.Duration {
	l.mux.Lock()
	defer l.mux.Unlock()
	return append([]time.Duration(nil), l.expires...)
}

func TestRecoveryLockOutlivesTick(t *testing.T) {
	env := newTestEnv(t, WithRecoverTick(20*time.Millisecond))
	locker := &recordingLocker{}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRecovery(env.manager, locker).Run(runCtx)
	}()
	assert.Eventually(t, func() bool { return len(locker.Expires()) > 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	for _, expire := range locker.Expires() {
		assert.Equal(t, 60*time.Millisecond, expire)
	}
}

func TestBackOffTick(t *testing.T) {
	env := newTestEnv(t, WithRecoverTick(time.Minute))
	recovery := NewRecovery(env.manager, nil)
	assert.Equal(t, 2*time.Minute, recovery.backOffTick(time.Minute))
	assert.Equal(t, 8*time.Minute, recovery.backOffTick(4*time.Minute))
	assert.Equal(t, 8*time.Minute, recovery.backOffTick(8*time.Minute))
}
