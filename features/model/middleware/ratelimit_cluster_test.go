package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/pulse/rmap"

	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/model/modeltest"
)

type memBudget struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newMemBudget() *memBudget {
	return &memBudget{values: make(map[string]string), ch: make(chan rmap.EventKind, 1)}
}

func (m *memBudget) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memBudget) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *memBudget) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *memBudget) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *memBudget) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func (m *memBudget) set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
}

func TestSharedLimiterSeedsBudget(t *testing.T) {
	m := newMemBudget()
	l := newSharedLimiter(context.Background(), m, "deepseek", 1000, 2000)

	v, ok := m.Get("deepseek")
	require.True(t, ok)
	require.Equal(t, "1000", v)
	require.Equal(t, float64(1000), l.TPM())
}

func TestSharedLimiterBackoffPublishes(t *testing.T) {
	m := newMemBudget()
	m.values["deepseek"] = strconv.Itoa(80000)
	l := newSharedLimiter(context.Background(), m, "deepseek", 80000, 80000)

	_, _ = l.Wrap(&modeltest.Client{StartErr: model.ErrRateLimited}).Stream(context.Background(), hello())

	require.Eventually(t, func() bool {
		v, _ := m.Get("deepseek")
		cur, err := strconv.Atoi(v)
		return err == nil && cur < 80000
	}, time.Second, 10*time.Millisecond)
}

func TestSharedLimiterFollowsRemoteChanges(t *testing.T) {
	m := newMemBudget()
	l := newSharedLimiter(context.Background(), m, "deepseek", 10000, 20000)

	m.set("deepseek", "15000")

	require.Eventually(t, func() bool { return l.TPM() == 15000 }, time.Second, 10*time.Millisecond)
}
