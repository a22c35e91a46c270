package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewStore(filepath.Join(t.TempDir(), "state.json"), log)
}

func TestStoreInitializesMissingFile(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Read(context.Background())
	require.NoError(t, err)
	require.Empty(t, doc)

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(content))
}

func TestStoreInitializesEmptyFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), nil, 0o644))

	_, err := store.Read(context.Background())
	require.NoError(t, err)

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(content))
}

func TestStoreUpdateWritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	written, err := store.Update(ctx, ChangeSet{Insert("news", KeyMailSubscribers, "a@x.com")})
	require.NoError(t, err)
	require.True(t, written)

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(store.Path(), past, past))

	written, err = store.Update(ctx, ChangeSet{Insert("news", KeyMailSubscribers, "a@x.com")})
	require.NoError(t, err)
	require.False(t, written)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(past), "mtime changed on no-op update")

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a@x.com"}, doc.Dispatcher("news").MailSubscribers)
}

func TestStoreConcurrentUpdatesKeepEveryChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const writers = 64
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			member := fmt.Sprintf("u%d@x.com", i)
			if _, err := store.Update(ctx, ChangeSet{Insert("news", KeyMailSubscribers, member)}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Dispatcher("news").MailSubscribers, writers)
}

func TestStoreEmptyChangeSetIsNoop(t *testing.T) {
	store := newTestStore(t)

	written, err := store.Update(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, written)

	_, err = os.Stat(store.Path())
	require.True(t, errors.Is(err, os.ErrNotExist), "empty change set must not touch the file")
}

func TestStoreMalformedFileAbandonsUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"news":`), 0o644))

	doc, err := store.Read(ctx)
	require.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, doc)
	require.Empty(t, doc)

	written, err := store.Update(ctx, ChangeSet{Insert("news", KeyMailSubscribers, "a@x.com")})
	require.ErrorIs(t, err, ErrMalformed)
	require.False(t, written)

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, `{"news":`, string(content))
}

func TestStoreReportsLockTimeout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.lockTimeout = 100 * time.Millisecond

	_, err := store.Read(ctx)
	require.NoError(t, err)

	holder := flock.New(store.Path() + ".lock")
	require.NoError(t, holder.Lock())
	t.Cleanup(func() { _ = holder.Unlock() })

	_, err = store.Read(ctx)
	require.ErrorIs(t, err, ErrLocked)
}

func TestStoreWritesSortedIndentedJSON(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Update(ctx, ChangeSet{
		Insert("zeta", KeyViberBotSubscribers, "u1"),
		Assign("alpha", KeyTelegramLastUpdateID, 12),
	})
	require.NoError(t, err)

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	want := "{\n" +
		"    \"alpha\": {\n" +
		"        \"telegramLastUpdateId\": 12\n" +
		"    },\n" +
		"    \"zeta\": {\n" +
		"        \"viberBotSubscribers\": [\n" +
		"            \"u1\"\n" +
		"        ]\n" +
		"    }\n" +
		"}\n"
	require.Equal(t, want, string(content))
}
