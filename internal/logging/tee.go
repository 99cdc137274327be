package logging

import (
	"io"
	"sync"
)

// Tee duplicates each write to a file and onto a channel of chunks for live forwarding.
// The file always gets the write. The channel gets it only if there is room, so logging never
// blocks on a disconnected reader.
type Tee struct {
	m       sync.Mutex
	file    io.Writer
	ch      chan []byte
	dropped uint64
}

func NewTee(file io.Writer, capacity int) *Tee {
	return &Tee{
		file: file,
		ch:   make(chan []byte, capacity),
	}
}

func (t *Tee) Write(p []byte) (int, error) {
	t.m.Lock()
	defer t.m.Unlock()

	n, err := t.file.Write(p)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		select {
		case t.ch <- chunk:
		default:
			t.dropped++
		}
	}
	return n, err
}

func (t *Tee) Sync() error {
	if s, ok := t.file.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Chunks returns the channel of forwarded writes.
func (t *Tee) Chunks() <-chan []byte {
	return t.ch
}

// Dropped returns how many writes were not forwarded because the channel was full.
func (t *Tee) Dropped() uint64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.dropped
}
