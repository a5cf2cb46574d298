package scanner_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/scanner"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScanFindsWatchableFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "web", "web.crt"))
	writeFile(t, filepath.Join(root, "web", "web.key"))
	writeFile(t, filepath.Join(root, "web", "notes.txt"))
	writeFile(t, filepath.Join(root, "web", ".hidden.crt"))
	writeFile(t, filepath.Join(root, "web", "web.crt.tmp"))
	writeFile(t, filepath.Join(root, "backups", "old.crt"))
	writeFile(t, filepath.Join(root, ".git", "stale.pem"))

	s := scanner.New(root, nil)
	files, err := s.Scan()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(root, "web", "web.crt"),
		filepath.Join(root, "web", "web.key"),
	}, files)
}

func TestSuppressionWindowExpires(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "web.crt")
	writeFile(t, target)

	var mu sync.Mutex
	var events []scanner.Event
	s := scanner.New(root, func(e scanner.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, scanner.WithSuppressionWindow(150*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// Writes right after registration are the manager's own and stay quiet.
	s.IgnoreFilePaths([]string{target}, 0)
	require.NoError(t, os.WriteFile(target, []byte("self write"), 0o644))

	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 900*time.Millisecond, 50*time.Millisecond)

	// By now the window has expired, so the same write is an external change.
	require.NoError(t, os.WriteFile(target, []byte("external write"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 &&
			events[0].Path == target &&
			events[0].Kind == scanner.EventUpdated
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSuppressionWindowPerCallOverride(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "web.crt")
	writeFile(t, target)

	var mu sync.Mutex
	var events []scanner.Event
	s := scanner.New(root, func(e scanner.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, scanner.WithSuppressionWindow(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// The per-call window wins over the minute-long default.
	s.IgnoreFilePaths([]string{target}, 150*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, os.WriteFile(target, []byte("external write"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0].Path == target
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcherReportsLifecycle(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	events := map[string]scanner.EventKind{}
	s := scanner.New(root, func(e scanner.Event) {
		mu.Lock()
		events[e.Path] = e.Kind
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	created := filepath.Join(root, "new.pem")
	writeFile(t, created)

	removed := filepath.Join(root, "gone.key")
	writeFile(t, removed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(removed))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events[removed] == scanner.EventRemoved
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, scanner.EventCreated, events[created])
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var got []string
	s := scanner.New(root, func(e scanner.Event) {
		mu.Lock()
		got = append(got, e.Path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	sub := filepath.Join(root, "api")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a beat to pick the directory up before writing into it.
	time.Sleep(300 * time.Millisecond)

	target := filepath.Join(sub, "api.crt")
	writeFile(t, target)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, path := range got {
			if path == target {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}
