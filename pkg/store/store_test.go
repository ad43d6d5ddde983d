package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBadgerStore_RoundTrip(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("notepia-notes-missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save("notepia-notes-a", []byte("snapshot-1")))
	data, err := s.Load("notepia-notes-a")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot-1"), data)

	require.NoError(t, s.Save("notepia-notes-a", []byte("snapshot-2")))
	data, err = s.Load("notepia-notes-a")
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot-2"), data)

	require.NoError(t, s.Delete("notepia-notes-a"))
	_, err = s.Load("notepia-notes-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore_CloseIdempotent(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	src := []byte("abc")
	require.NoError(t, s.Save("k", src))
	src[0] = 'X'

	data, err := s.Load("k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data, "store must not alias caller buffers")
}

func TestSaver_CoalescesBurst(t *testing.T) {
	s := NewMemoryStore()
	var saves atomic.Int32
	sv := NewSaver(s, "k", 20*time.Millisecond, func() ([]byte, error) {
		saves.Add(1)
		return []byte("snap"), nil
	}, nil)
	defer sv.Stop()

	for i := 0; i < 50; i++ {
		sv.Mark()
	}

	require.Eventually(t, func() bool {
		_, err := s.Load("k")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), saves.Load(), "a burst of marks must produce one save")
}

func TestSaver_RetriesAfterFailure(t *testing.T) {
	fs := &flakyStore{inner: NewMemoryStore(), failures: 1}
	var mu sync.Mutex
	var results []error
	sv := NewSaver(fs, "k", 5*time.Millisecond, func() ([]byte, error) {
		return []byte("snap"), nil
	}, func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	})
	defer sv.Stop()

	sv.Mark()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	require.Error(t, results[0], "first save should fail")
	mu.Unlock()

	// 下一次变更重试并成功
	sv.Mark()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2 && results[1] == nil
	}, time.Second, time.Millisecond)
}

func TestSaver_StopFlushesAndIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	sv := NewSaver(s, "k", time.Hour, func() ([]byte, error) {
		return []byte("final"), nil
	}, nil)

	sv.Mark()
	sv.Stop()
	sv.Stop()

	data, err := s.Load("k")
	require.NoError(t, err)
	require.Equal(t, []byte("final"), data, "stop must flush the pending save")

	// 停止后的 Mark 不再产生写入
	sv.Mark()
	time.Sleep(20 * time.Millisecond)
	data, _ = s.Load("k")
	require.Equal(t, []byte("final"), data)
}

// flakyStore fails the first N saves.
type flakyStore struct {
	inner    *MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Load(key string) ([]byte, error) { return f.inner.Load(key) }
func (f *flakyStore) Delete(key string) error         { return f.inner.Delete(key) }
func (f *flakyStore) Close() error                    { return f.inner.Close() }

func (f *flakyStore) Save(key string, data []byte) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.inner.Save(key, data)
}
