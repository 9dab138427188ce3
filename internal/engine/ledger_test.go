package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/edgestack/internal/shell/store"
)

// =============================================================================
// Test Fakes
// =============================================================================

type memLedger struct {
	mu        sync.Mutex
	resources map[string]store.Resource
	getErr    error
}

func newMemLedger() *memLedger {
	return &memLedger{resources: make(map[string]store.Resource)}
}

func (l *memLedger) GetResource(ctx context.Context, deployment, logicalID string) (*store.Resource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	r, ok := l.resources[deployment+"/"+logicalID]
	if !ok {
		return nil, store.NewStoreError("GetResource", "resource", logicalID, store.ErrNotFound, nil)
	}
	return &r, nil
}

func (l *memLedger) PutResource(ctx context.Context, resource *store.Resource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources[resource.Deployment+"/"+resource.LogicalID] = *resource
	return nil
}

func (l *memLedger) get(deployment, logicalID string) (store.Resource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resources[deployment+"/"+logicalID]
	return r, ok
}

type widgetSpec struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type widget struct {
	ID string `json:"id"`
}

func testScope(ledger Ledger) scope {
	return scope{ledger: ledger, deployment: "test", logger: slog.Default()}
}

// =============================================================================
// ensure Tests
// =============================================================================

func TestEnsure_CreatesAndRecords(t *testing.T) {
	ledger := newMemLedger()
	calls := 0
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		calls++
		return widget{ID: "w-1"}, nil
	}

	w, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{Name: "a", Size: 1}, create)
	require.NoError(t, err)
	assert.Equal(t, "w-1", w.ID)
	assert.Equal(t, 1, calls)

	rec, ok := ledger.get("test", "widget")
	require.True(t, ok)
	assert.Equal(t, "engine.widgetSpec", rec.Kind)
	assert.NotEmpty(t, rec.Fingerprint)
	assert.JSONEq(t, `{"id":"w-1"}`, string(rec.Payload))
}

func TestEnsure_SkipsUnchangedDescriptor(t *testing.T) {
	ledger := newMemLedger()
	calls := 0
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		calls++
		return widget{ID: "w-1"}, nil
	}
	spec := widgetSpec{Name: "a", Size: 1}

	_, err := ensure(context.Background(), testScope(ledger), "widget", spec, create)
	require.NoError(t, err)
	w, err := ensure(context.Background(), testScope(ledger), "widget", spec, create)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "w-1", w.ID)
}

func TestEnsure_ReissuesChangedDescriptor(t *testing.T) {
	ledger := newMemLedger()
	calls := 0
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		calls++
		return widget{ID: spec.Name}, nil
	}

	_, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{Name: "a"}, create)
	require.NoError(t, err)
	w, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{Name: "b"}, create)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "b", w.ID)

	rec, _ := ledger.get("test", "widget")
	assert.JSONEq(t, `{"id":"b"}`, string(rec.Payload))
}

func TestEnsure_NilLedgerAlwaysCreates(t *testing.T) {
	calls := 0
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		calls++
		return widget{}, nil
	}

	for i := 0; i < 3; i++ {
		_, err := ensure(context.Background(), testScope(nil), "widget", widgetSpec{}, create)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

func TestEnsure_CreateErrorNotRecorded(t *testing.T) {
	ledger := newMemLedger()
	boom := errors.New("boom")
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		return widget{}, boom
	}

	_, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{}, create)
	assert.ErrorIs(t, err, boom)

	_, ok := ledger.get("test", "widget")
	assert.False(t, ok)
}

func TestEnsure_LedgerErrorStops(t *testing.T) {
	ledger := newMemLedger()
	ledger.getErr = store.ErrConnectionFailed
	called := false
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		called = true
		return widget{}, nil
	}

	_, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{}, create)
	assert.ErrorIs(t, err, store.ErrConnectionFailed)
	assert.False(t, called)
}

func TestEnsure_ScopedByDeployment(t *testing.T) {
	ledger := newMemLedger()
	calls := 0
	create := func(ctx context.Context, spec widgetSpec) (widget, error) {
		calls++
		return widget{}, nil
	}
	other := testScope(ledger)
	other.deployment = "other"

	_, err := ensure(context.Background(), testScope(ledger), "widget", widgetSpec{}, create)
	require.NoError(t, err)
	_, err = ensure(context.Background(), other, "widget", widgetSpec{}, create)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}
