package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localStore(t *testing.T) *ModelStore {
	t.Helper()
	store, err := NewModelStore("", "", "", "", "", t.TempDir())
	require.NoError(t, err)
	return store
}

func seedWeights(t *testing.T, store *ModelStore, key ModelKey) string {
	t.Helper()
	path := store.localPath(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	return path
}

func TestEnsureConcurrentSameKey(t *testing.T) {
	store := localStore(t)
	key := ModelKey{Name: "large", Device: "cpu", Compute: "int8"}
	want := seedWeights(t, store, key)

	var wg sync.WaitGroup
	paths := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path, err := store.Ensure(context.Background(), key)
			assert.NoError(t, err)
			paths[i] = path
		}(i)
	}
	wg.Wait()

	for _, path := range paths {
		assert.Equal(t, want, path)
	}
}

func TestEnsureResolvesEachKeyOnce(t *testing.T) {
	store := localStore(t)
	key := ModelKey{Name: "base", Device: "cpu", Compute: "int8"}
	path := seedWeights(t, store, key)

	first, err := store.Ensure(context.Background(), key)
	require.NoError(t, err)

	// A resolved key is served from memory without touching disk again.
	require.NoError(t, os.Remove(path))
	again, err := store.Ensure(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestEnsureSameKeySerialized(t *testing.T) {
	store := localStore(t)
	key := ModelKey{Name: "large", Device: "cpu", Compute: "int8"}

	lock := store.keyLock(key.String())
	lock.Lock()

	done := make(chan struct{})
	go func() {
		store.Ensure(context.Background(), key)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("load proceeded while the key lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	seedWeights(t, store, key)
	lock.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("load did not resume after the key lock was released")
	}
}

func TestEnsureDifferentKeysDoNotBlock(t *testing.T) {
	store := localStore(t)
	held := ModelKey{Name: "large", Device: "cpu", Compute: "int8"}
	free := ModelKey{Name: "tiny", Device: "cpu", Compute: "int8"}
	seedWeights(t, store, free)

	lock := store.keyLock(held.String())
	lock.Lock()
	defer lock.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := store.Ensure(context.Background(), free)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("load of a different key blocked behind another key's lock")
	}
}

func TestEnsureMissingWeightsLocalOnly(t *testing.T) {
	store := localStore(t)

	_, err := store.Ensure(context.Background(), ModelKey{Name: "large", Device: "cpu", Compute: "int8"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model weights missing")
}
