// Package feeder implements C9: a lazy, resumable, possibly file-backed
// payload source for the sequencer. A Feeder answers the SIZE, CONTENT,
// IS-FINISHED, RELEASE, PAUSE, STATUS operations of spec.md §4.9 so the
// sequencer can slice a message into frames without holding the whole
// payload in memory at once.
package feeder

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ErrPaused is returned by Content while the feeder is paused; the
// sequencer reinserts the message with its offset preserved and retries
// later (spec.md §4.5).
var ErrPaused = errors.New("feeder: paused")

// ErrReleased is returned by Content after Release has been called.
var ErrReleased = errors.New("feeder: released")

// Feeder is the trait BEEP's sequencer drives to obtain message bytes.
type Feeder interface {
	// Size returns the total payload length and true, or (0, false) for
	// an open-ended stream terminated by NUL (ANS/NUL reply patterns).
	Size() (int64, bool)
	// Content yields up to n bytes; io.EOF is returned once Content has
	// produced everything and there is nothing left.
	Content(n int) ([]byte, error)
	// IsFinished reports whether all bytes have been delivered.
	IsFinished() bool
	// Release frees any underlying resource (e.g. an open file). Safe to
	// call more than once.
	Release()
	// Pause/Resume are cooperative and may be called from any
	// goroutine; a paused feeder's Content returns ErrPaused rather than
	// blocking.
	Pause()
	Resume()
	// Status reports bytes delivered so far and whether finished.
	Status() (delivered int64, finished bool)
}

// refcounted provides the reference counting, pause/resume, and
// delivered-byte accounting shared by every Feeder implementation.
type refcounted struct {
	mu        sync.Mutex
	delivered int64
	finished  bool
	released  int32
	paused    int32
	refs      int32
}

func (r *refcounted) Pause()  { atomic.StoreInt32(&r.paused, 1) }
func (r *refcounted) Resume() { atomic.StoreInt32(&r.paused, 0) }

func (r *refcounted) isPaused() bool { return atomic.LoadInt32(&r.paused) != 0 }

func (r *refcounted) Status() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered, r.finished
}

func (r *refcounted) Ref()   { atomic.AddInt32(&r.refs, 1) }
func (r *refcounted) Unref() int32 { return atomic.AddInt32(&r.refs, -1) }

// BytesFeeder serves a fully in-memory payload. It is the feeder Send
// wraps around an ordinary []byte argument.
type BytesFeeder struct {
	refcounted
	data   []byte
	offset int
}

// NewBytes wraps data as a Feeder with a known, fixed size.
func NewBytes(data []byte) *BytesFeeder {
	return &BytesFeeder{data: data}
}

func (f *BytesFeeder) Size() (int64, bool) { return int64(len(f.data)), true }

func (f *BytesFeeder) Content(n int) ([]byte, error) {
	if atomic.LoadInt32(&f.released) != 0 {
		return nil, ErrReleased
	}
	if f.isPaused() {
		return nil, ErrPaused
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offset >= len(f.data) {
		f.finished = true
		return nil, io.EOF
	}
	end := f.offset + n
	if end > len(f.data) {
		end = len(f.data)
	}
	chunk := f.data[f.offset:end]
	f.offset = end
	f.delivered += int64(len(chunk))
	if f.offset >= len(f.data) {
		f.finished = true
	}
	return chunk, nil
}

func (f *BytesFeeder) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *BytesFeeder) Release() { atomic.StoreInt32(&f.released, 1) }

// FileFeeder streams a file's contents, as vortex_payload_feeder.c's
// built-in file feeder does. When mimeBlankLine is true the reported
// Size includes the 2 bytes ("\r\n") that must precede the body on the
// first frame when MIME headers are elided.
type FileFeeder struct {
	refcounted
	f             *os.File
	size          int64
	mimeBlankLine bool
	blankSent     bool
}

// NewFile opens path and returns a Feeder over its contents.
func NewFile(path string, mimeBlankLine bool) (*FileFeeder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileFeeder{f: f, size: info.Size(), mimeBlankLine: mimeBlankLine}, nil
}

func (f *FileFeeder) Size() (int64, bool) {
	size := f.size
	if f.mimeBlankLine {
		size += 2
	}
	return size, true
}

func (f *FileFeeder) Content(n int) ([]byte, error) {
	if atomic.LoadInt32(&f.released) != 0 {
		return nil, ErrReleased
	}
	if f.isPaused() {
		return nil, ErrPaused
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var prefix []byte
	if f.mimeBlankLine && !f.blankSent {
		f.blankSent = true
		if n <= 2 {
			n = 2
		}
		prefix = []byte("\r\n")
		n -= len(prefix)
	}
	buf := make([]byte, n)
	read, err := f.f.Read(buf)
	if read == 0 && err != nil && err != io.EOF {
		return nil, err
	}
	chunk := append(prefix, buf[:read]...)
	f.delivered += int64(len(chunk))
	if err == io.EOF || (read == 0 && len(buf) > 0) {
		f.finished = true
		if len(chunk) == 0 {
			return nil, io.EOF
		}
	}
	return chunk, nil
}

func (f *FileFeeder) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *FileFeeder) Release() {
	if atomic.CompareAndSwapInt32(&f.released, 0, 1) {
		f.f.Close()
	}
}
