package asyncbufio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	var expected bytes.Buffer
	w := NewWriter(f, 100, time.Second)
	for i := 0; i < 100; i++ {
		sometext := fmt.Appendf(nil, "Line of text %3d\n", i)
		expected.Write(sometext)
		w.Write(sometext)
		if i%25 == 19 {
			w.Flush()
		}
	}
	w.Write([]byte("Last line\n"))
	expected.WriteString("Last line\n")
	w.Close()

	// Verify exact file contents
	actual, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(actual, expected.Bytes()) {
		t.Errorf("example file holds %d bytes, want the %d bytes written", len(actual), expected.Len())
	}
	if n := w.Dropped(); n != 0 {
		t.Errorf("Dropped()=%d after writes within the channel depth, want 0", n)
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("asyncbufio.Writer.Flush() after .Close() did not panic")
}

func TestCloseTwice(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Error(err)
	}
	defer os.Remove(f.Name()) // clean up

	w := NewWriter(f, 100, time.Second)
	w.Close()

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Close()
	t.Errorf("asyncbufio.Writer.Close() after .Close() did not panic")
}

// slowWriter delays every underlying write so the channel backs up.
type slowWriter struct {
	mu    sync.Mutex
	n     int
	delay time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.mu.Lock()
	w.n += len(p)
	w.mu.Unlock()
	return len(p), nil
}

func (w *slowWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func TestDropWhenFull(t *testing.T) {
	sink := &slowWriter{delay: 10 * time.Millisecond}
	w := NewWriter(sink, 2, time.Hour)

	// chunks bigger than the bufio buffer go straight to the slow sink, so the
	// write loop stalls and the channel fills
	chunk := bytes.Repeat([]byte{'x'}, 8192)
	accepted, dropped := 0, 0
	for i := 0; i < 20; i++ {
		switch _, err := w.Write(chunk); err {
		case nil:
			accepted++
		case io.ErrShortWrite:
			dropped++
		default:
			t.Fatalf("Write returns %v", err)
		}
	}
	if dropped == 0 {
		t.Error("no writes dropped against a slow sink, want some")
	}
	if got := w.Dropped(); got != uint64(dropped) {
		t.Errorf("Dropped()=%d, want %d", got, dropped)
	}

	w.Close()
	if got, want := sink.total(), accepted*len(chunk); got != want {
		t.Errorf("sink received %d bytes, want %d (every accepted write, nothing else)", got, want)
	}
}
