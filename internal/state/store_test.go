package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreRejectsNilConfig(t *testing.T) {
	_, err := NewStore(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

func TestNewStoreRejectsUnknownType(t *testing.T) {
	_, err := NewStore(context.Background(), &StoreConfig{Type: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store type")
}

func TestNewStoreMemoryWithEncryption(t *testing.T) {
	s, err := NewStore(context.Background(), &StoreConfig{Type: "memory", EncryptionKey: "k"})
	require.NoError(t, err)
	_, ok := s.(*EncryptedStore)
	assert.True(t, ok)
}

func TestNewStoreS3RequiresBucket(t *testing.T) {
	_, err := NewStore(context.Background(), &StoreConfig{Type: "s3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestMemoryStoreCommitTracksChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	changed, err := s.Commit(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.Get("a").SetData(ctx, []byte("1")))
	changed, err = s.Commit(ctx, "first")
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, s.Get("a").SetData(ctx, []byte("1")))
	changed, err = s.Commit(ctx, "same")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.Get("a").Delete(ctx))
	changed, err = s.Commit(ctx, "delete")
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []string{"first", "delete"}, s.Commits())
}

func TestMemoryStoreLockIsNeverCommitted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	lock, err := AcquireLock(ctx, s, "test")
	require.NoError(t, err)

	changed, err := s.Commit(ctx, "lock only")
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, lock.Release(ctx))
}

func TestAcquireLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := AcquireLock(ctx, s, "first")
	require.NoError(t, err)

	_, err = AcquireLock(ctx, s, "second")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "owner=first")

	require.NoError(t, first.Release(ctx))
	locked, err := IsLocked(ctx, s)
	require.NoError(t, err)
	assert.False(t, locked)

	second, err := AcquireLock(ctx, s, "second")
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestAcquireLockConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := AcquireLock(ctx, s, "racer"); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestForceUnlock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := AcquireLock(ctx, s, "crashed")
	require.NoError(t, err)
	require.NoError(t, ForceUnlock(ctx, s))

	locked, err := IsLocked(ctx, s)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestDryRunStoreBuffersWrites(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	require.NoError(t, backing.Get("kept").SetData(ctx, []byte("original")))
	_, err := backing.Commit(ctx, "seed")
	require.NoError(t, err)

	dry := NewDryRunStore(backing)
	data, err := dry.Get("kept").Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	require.NoError(t, dry.Get("kept").SetData(ctx, []byte("changed")))
	require.NoError(t, dry.Get("new").SetData(ctx, []byte("fresh")))

	data, err = dry.Get("kept").Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(data))

	changed, err := dry.Commit(ctx, "dry")
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, dry.Push(ctx))

	data, err = backing.Get("kept").Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	exists, err := backing.Get("new").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"kept", "new"}, dry.Buffered())
	assert.Equal(t, []string{"seed"}, backing.Commits())
	assert.Zero(t, backing.Pushes())
}

func TestDryRunStoreDelete(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	require.NoError(t, backing.Get("doc").SetData(ctx, []byte("x")))

	dry := NewDryRunStore(backing)
	require.NoError(t, dry.Get("doc").Delete(ctx))

	exists, err := dry.Get("doc").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = backing.Get("doc").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGitStoreCommit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenGitStore(dir, GitOptions{AuthorName: "tester", AuthorEmail: "tester@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.Get(LedgerDocument).SetData(ctx, []byte("version: 1\n")))
	changed, err := s.Commit(ctx, "first deploy")
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, s.Get(LedgerDocument).SetData(ctx, []byte("version: 1\n")))
	changed, err = s.Commit(ctx, "no-op deploy")
	require.NoError(t, err)
	assert.False(t, changed)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "first deploy", commit.Message)
	assert.Equal(t, "tester", commit.Author.Name)

	require.NoError(t, s.Push(ctx))
}

func TestGitStoreLockUsesExclusiveCreate(t *testing.T) {
	ctx := context.Background()
	s, err := OpenGitStore(t.TempDir(), GitOptions{})
	require.NoError(t, err)

	lock, err := AcquireLock(ctx, s, "one")
	require.NoError(t, err)
	_, err = AcquireLock(ctx, s, "two")
	assert.ErrorIs(t, err, ErrLocked)

	changed, err := s.Commit(ctx, "lock only")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, lock.Release(ctx))
	locked, err := IsLocked(ctx, s)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestGitStoreReopenReadsCommittedLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenGitStore(dir, GitOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Get("env.yaml").SetData(ctx, []byte("region: eu\n")))
	_, err = s.Commit(ctx, "env")
	require.NoError(t, err)

	reopened, err := OpenGitStore(dir, GitOptions{})
	require.NoError(t, err)
	data, err := reopened.Get("env.yaml").Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "region: eu\n", string(data))

	missing, err := reopened.Get("absent").Data(ctx)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
