package txmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xiaoxuxiansheng/compensable/component"
	"github.com/xiaoxuxiansheng/compensable/log"
)

type fakeClock struct {
	mux sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 8, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

// recordingComponent 记录每一次 confirm / cancel 调用, 可以按方法注入错误
type recordingComponent struct {
	id string

	mux   sync.Mutex
	calls []string
	txIDs []string
	fail  map[string]error
	block chan struct{}
}

func newRecordingComponent(id string) *recordingComponent {
	return &recordingComponent{id: id, fail: make(map[string]error)}
}

func (c *recordingComponent) ID() string {
	return c.id
}

func (c *recordingComponent) Invoke(_ context.Context, req *component.TCCReq) (*component.TCCResp, error) {
	c.mux.Lock()
	c.calls = append(c.calls, req.Method)
	c.txIDs = append(c.txIDs, req.TXID)
	err, block := c.fail[req.Method], c.block
	c.mux.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &component.TCCResp{ComponentID: c.id, TXID: req.TXID, ACK: true}, nil
}

func (c *recordingComponent) setFail(method string, err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if err == nil {
		delete(c.fail, method)
		return
	}
	c.fail[method] = err
}

func (c *recordingComponent) Calls() []string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return append([]string(nil), c.calls...)
}

type testEnv struct {
	clock   *fakeClock
	backend *MemoryBackend
	manager *TXManager
	comp    *recordingComponent
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := newFakeClock()
	opts = append(opts, WithClock(clock.Now))
	backend := NewMemoryBackend(nil)
	manager := NewTXManager(NewCachedRepository(backend, opts...), opts...)
	t.Cleanup(manager.Stop)

	comp := newRecordingComponent("account")
	require.NoError(t, manager.Register(comp))
	return &testEnv{clock: clock, backend: backend, manager: manager, comp: comp}
}

func (e *testEnv) participant(globalTx *Transaction, suffix string) *Participant {
	return &Participant{
		Xid:     NewBranchXid(globalTx.Xid.GlobalID),
		Confirm: InvocationContext{Target: e.comp.ID(), Method: "confirm" + suffix, Args: []byte(`["a"]`)},
		Cancel:  InvocationContext{Target: e.comp.ID(), Method: "cancel" + suffix, Args: []byte(`["a"]`)},
	}
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })
	return logs
}
