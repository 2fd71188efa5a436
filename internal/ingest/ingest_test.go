package ingest

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// collector records emitted lines (thread-safe).
type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) emit(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReaderSource(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "a\nb\n", []string{"a", "b"}},
		{"no trailing newline", "a\nb", []string{"a", "b"}},
		{"carriage return kept", "a\r\nb\r\n", []string{"a\r", "b\r"}},
		{"blank lines kept", "a\n\n\nb\n", []string{"a", "", "", "b"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{}
			if err := NewReaderSource(strings.NewReader(tt.input)).Read(context.Background(), c.emit); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := c.get()
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Read() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReaderSourceLongLine(t *testing.T) {
	long := strings.Repeat("x", 5*readBufferSize)
	c := &collector{}
	if err := NewReaderSource(strings.NewReader(long+"\nshort\n")).Read(context.Background(), c.emit); err != nil {
		t.Fatal(err)
	}
	got := c.get()
	if len(got) != 2 || got[0] != long {
		t.Errorf("long line not emitted whole")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	if err := os.WriteFile(a, []byte("a1\na2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("b1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := &collector{}
	if err := NewFileSource(a, b).Read(context.Background(), c.emit); err != nil {
		t.Fatal(err)
	}
	if got := c.get(); !reflect.DeepEqual(got, []string{"a1", "a2", "b1"}) {
		t.Errorf("Read() = %q", got)
	}

	if err := NewFileSource(filepath.Join(dir, "missing.log")).Read(context.Background(), c.emit); err == nil {
		t.Error("expected error for missing file")
	}
}

func startMonitor(t *testing.T, opts MonitorOptions) (*collector, context.CancelFunc, <-chan error) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	m := NewFileMonitor(opts)
	go func() { done <- m.Read(ctx, c.emit) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("monitor did not stop")
		}
	})
	return c, cancel, done
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestFileMonitorFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, _ := startMonitor(t, MonitorOptions{Path: path})
	time.Sleep(50 * time.Millisecond)

	appendFile(t, path, "new 1\nnew 2\n")
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 2 })

	appendFile(t, path, "part")
	time.Sleep(60 * time.Millisecond)
	if len(c.get()) != 2 {
		t.Fatalf("unterminated line emitted early: %q", c.get())
	}
	appendFile(t, path, "ial\n")
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 3 })

	want := []string{"new 1", "new 2", "partial"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFileMonitorTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("old 1\nold 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, _ := startMonitor(t, MonitorOptions{Path: path, FromStart: true})
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 2 })

	// Shorter than the previous offset, so the shrink is always visible.
	if err := os.WriteFile(path, []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 3 })
	time.Sleep(60 * time.Millisecond)

	want := []string{"old 1", "old 2", "new"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFileMonitorTruncateAndRegrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("old 1\nold 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, _ := startMonitor(t, MonitorOptions{Path: path, FromStart: true})
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 2 })

	// Rewritten in place and already longer than the old offset.
	if err := os.WriteFile(path, []byte("fresh line one is long\nfresh two\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 4 })
	time.Sleep(60 * time.Millisecond)

	want := []string{"old 1", "old 2", "fresh line one is long", "fresh two"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFileMonitorAppendKeepsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("first\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, _ := startMonitor(t, MonitorOptions{Path: path, FromStart: true})
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 1 })

	for i := 0; i < 3; i++ {
		appendFile(t, path, "more\n")
		time.Sleep(30 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 4 })
	time.Sleep(60 * time.Millisecond)

	want := []string{"first", "more", "more", "more"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFileMonitorRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("before\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, _ := startMonitor(t, MonitorOptions{Path: path, FromStart: true})
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 1 })

	if err := os.Rename(path, filepath.Join(dir, "app.log.1")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("after rotation\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.get()) >= 2 })

	want := []string{"before", "after rotation"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestFileMonitorMissingFile(t *testing.T) {
	m := NewFileMonitor(MonitorOptions{Path: filepath.Join(t.TempDir(), "nope.log")})
	if err := m.Read(context.Background(), func(string) error { return nil }); err == nil {
		t.Error("expected error for missing file")
	}
}
