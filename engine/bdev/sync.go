package bdev

import (
	"context"
	"fmt"
)

// Do submits one request and waits for its completion. Convenience for
// callers that are not on an I/O fast path (rebuild copy loop, tests).
func Do(ctx context.Context, dev BlockDevice, ioType IoType, offset, numBlocks uint64, data []byte) (Completion, error) {
	done := make(chan Completion, 1)
	io := &Io{
		Type:      ioType,
		Offset:    offset,
		NumBlocks: numBlocks,
		Data:      data,
		Done:      func(c Completion) { done <- c },
	}
	if err := dev.Submit(io); err != nil {
		return Completion{}, err
	}
	select {
	case comp := <-done:
		if !comp.Ok() {
			return comp, fmt.Errorf("bdev: %s %s at block %d: %v", dev.DeviceName(), ioType, offset, comp.Err)
		}
		return comp, nil
	case <-ctx.Done():
		// The completion still arrives on the buffered channel; nothing leaks.
		return Completion{}, ctx.Err()
	}
}
