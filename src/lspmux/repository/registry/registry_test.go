package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/publicqi/ra-multiplex/src/lspmux/entity"
	"github.com/publicqi/ra-multiplex/src/lspmux/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
)

type fakeInstance struct {
	key      entity.ServerKey
	reusable bool
}

func (f *fakeInstance) Key() entity.ServerKey { return f.key }
func (f *fakeInstance) Reusable() bool        { return f.reusable }

func testKey(root string) entity.ServerKey {
	return entity.ServerKey{
		Server:        "gopls",
		Args:          []string{"-remote=auto"},
		WorkspaceRoot: root,
	}
}

func TestResolveCreatesOnce(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))
	key := testKey("/workspace/a")

	created := 0
	create := func(ctx context.Context) (Instance, error) {
		created++
		return &fakeInstance{key: key, reusable: true}, nil
	}

	first, err := r.Resolve(ctx, key, create)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, key, create)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
}

func TestResolveDistinctKeys(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))

	keys := []entity.ServerKey{
		testKey("/workspace/a"),
		testKey("/workspace/b"),
		{Server: "rust-analyzer", WorkspaceRoot: "/workspace/a"},
		{Server: "gopls", Args: []string{"-logfile", "/tmp/x"}, WorkspaceRoot: "/workspace/a"},
	}

	for _, key := range keys {
		key := key
		_, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
			return &fakeInstance{key: key, reusable: true}, nil
		})
		require.NoError(t, err)
	}

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(keys), count)
}

func TestResolveReplacesNonReusable(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))
	key := testKey("/workspace/a")

	draining := &fakeInstance{key: key, reusable: false}
	_, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
		return draining, nil
	})
	require.NoError(t, err)

	fresh := &fakeInstance{key: key, reusable: true}
	got, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
		return fresh, nil
	})
	require.NoError(t, err)
	assert.Same(t, fresh, got)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResolveCreateError(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))
	key := testKey("/workspace/a")

	_, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
		return nil, errors.New("spawn failed")
	})
	require.Error(t, err)

	count, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestResolveConcurrent(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))
	key := testKey("/workspace/a")

	var mu sync.Mutex
	created := 0

	var wg sync.WaitGroup
	results := make([]Instance, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
				mu.Lock()
				created++
				mu.Unlock()
				return &fakeInstance{key: key, reusable: true}, nil
			})
			assert.NoError(t, err)
			results[i] = inst
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, inst := range results {
		assert.Same(t, results[0], inst)
	}
}

func TestRemoveGuardsAgainstSuccessor(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))
	key := testKey("/workspace/a")

	old := &fakeInstance{key: key, reusable: false}
	_, err := r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
		return old, nil
	})
	require.NoError(t, err)

	replacement := &fakeInstance{key: key, reusable: true}
	_, err = r.Resolve(ctx, key, func(ctx context.Context) (Instance, error) {
		return replacement, nil
	})
	require.NoError(t, err)

	// The drained predecessor must not evict its replacement.
	require.NoError(t, r.Remove(ctx, key, old))
	got, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Same(t, replacement, got)

	require.NoError(t, r.Remove(ctx, key, replacement))
	_, err = r.Get(ctx, key)
	var notFound *errors.KeyNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	r := New(tally.NewTestScope("", nil))

	assert.Empty(t, r.All(ctx))

	a := &fakeInstance{key: testKey("/workspace/a"), reusable: true}
	b := &fakeInstance{key: testKey("/workspace/b"), reusable: true}
	for _, inst := range []*fakeInstance{a, b} {
		inst := inst
		_, err := r.Resolve(ctx, inst.key, func(ctx context.Context) (Instance, error) {
			return inst, nil
		})
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []Instance{a, b}, r.All(ctx))
}
