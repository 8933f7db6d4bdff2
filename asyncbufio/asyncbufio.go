// Package asyncbufio writes to a slow sink (a terminal, a pipe) from a time-critical
// caller. Writes go into a buffered channel and a background goroutine moves them to
// the sink; when the channel is full the write is dropped and counted instead of
// blocking the caller.
package asyncbufio

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous, droppable writing to an underlying io.Writer.
type Writer struct {
	writer        *bufio.Writer // buffered writer: this does the writing
	flushNow      chan struct{} // signals the write loop to flush itself
	flushComplete chan struct{} // signals that a requested flush is complete
	datachannel   chan []byte   // holds data before writing it
	flushInterval time.Duration // period of the automatic flushes
	dropped       atomic.Uint64 // writes discarded because the channel was full
}

// NewWriter creates a new Writer instance and starts its write loop.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues p for writing. If the channel is full, p is dropped, the drop is
// counted, and Write returns io.ErrShortWrite without blocking. The caller must not
// reuse p's backing array after a successful Write.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues a string for writing (with a copy).
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns how many writes have been discarded so far.
func (aw *Writer) Dropped() uint64 {
	return aw.dropped.Load()
}

// Flush drains the channel into the underlying writer and flushes it.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return nil
}

// Close flushes remaining data and stops the write loop. Calling Write or Flush
// after Close panics; we don't test for that case.
func (aw *Writer) Close() {
	close(aw.flushNow)
	<-aw.flushComplete
}

// writeLoop continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			// Signal whoever requested this that flushing is done
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the channel and then flushes the underlying writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)
		default:
			aw.writer.Flush()
			return
		}
	}
}
