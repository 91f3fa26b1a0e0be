package quarry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultPoolSize is the frame count used when the caller does not
// configure one.
const DefaultPoolSize = 256

// Frame is one buffer pool cache line: a page image plus bookkeeping.
// The embedded RWMutex is the page latch, mutators hold it (and a pin)
// for the duration of any byte surgery so concurrent readers of the same
// page never observe a torn structure.
type Frame struct {
	sync.RWMutex

	buf  []byte
	slot int // fixed position within the pool

	// guarded by the pool mutex
	id       PageID
	pinCount int
	dirty    bool
	ref      bool
	valid    bool
}

// Data returns the page image. Callers access it only while holding a
// pin, and the latch for mutation.
func (f *Frame) Data() []byte { return f.buf }

func (f *Frame) ID() PageID { return f.id }

// BufferPool caches pages in a fixed set of frames created once at
// construction and reused for the pool's lifetime. Eviction is a clock
// sweep over unpinned frames, dirty victims are written back first.
type BufferPool struct {
	logger  *zap.Logger
	metrics *Metrics
	disk    *DiskManager

	mu     sync.Mutex
	frames []*Frame
	table  map[PageID]int
	clock  int
}

func NewBufferPool(logger *zap.Logger, metrics *Metrics, disk *DiskManager, size int) *BufferPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	frames := make([]*Frame, size)
	for i := range frames {
		frames[i] = &Frame{buf: make([]byte, PageSize), slot: i}
	}
	return &BufferPool{
		logger:  logger,
		metrics: metrics,
		disk:    disk,
		frames:  frames,
		table:   make(map[PageID]int, size),
	}
}

func (p *BufferPool) Size() int { return len(p.frames) }

// Pin returns a frame holding the page, loading it from disk on a miss.
// Every Pin must be matched by exactly one Unpin. When all frames are
// pinned Pin fails with ErrBufferPoolExhausted instead of blocking.
func (p *BufferPool) Pin(ctx context.Context, id PageID) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.table[id]; ok {
		f := p.frames[idx]
		f.pinCount++
		f.ref = true
		if p.metrics != nil {
			p.metrics.PoolHits.Inc()
		}
		return f, nil
	}

	if p.metrics != nil {
		p.metrics.PoolMisses.Inc()
	}

	f, err := p.victim()
	if err != nil {
		return nil, err
	}
	if err := p.disk.ReadPage(id, f.buf); err != nil {
		// Keep the reclaimed frame reusable for the next miss.
		f.valid = false
		return nil, err
	}

	f.id = id
	f.pinCount = 1
	f.dirty = false
	f.ref = true
	f.valid = true
	p.table[id] = f.slot
	return f, nil
}

// Unpin releases one pin and records whether the holder mutated the
// page. The frame stays cached until the clock sweep reclaims it.
func (p *BufferPool) Unpin(f *Frame, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.pinCount <= 0 {
		p.logger.Error("unpin without matching pin", zap.String("page", f.id.String()))
		return
	}
	f.pinCount--
	if dirty {
		f.dirty = true
	}
	f.ref = true
}

// Flush writes the page back to disk if it is cached and dirty.
func (p *BufferPool) Flush(ctx context.Context, id PageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.table[id]
	if !ok || !p.frames[idx].dirty {
		return nil
	}
	return p.flushFrame(p.frames[idx])
}

// FlushAll writes every dirty frame back, used by checkpoints and Close.
func (p *BufferPool) FlushAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, f := range p.frames {
		if !f.valid || !f.dirty {
			continue
		}
		err = multierr.Append(err, p.flushFrame(f))
	}
	return err
}

// Invalidate drops the cached copy of a page that is about to be freed.
// Fails if the page is still pinned.
func (p *BufferPool) Invalidate(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.table[id]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if f.pinCount > 0 {
		return fmt.Errorf("cannot invalidate page %s: pin count %d", id, f.pinCount)
	}
	delete(p.table, id)
	f.valid = false
	f.dirty = false
	return nil
}

// InvalidateFile drops every cached page of a file, used by drop
// table/index. Fails if any of them is still pinned.
func (p *BufferPool) InvalidateFile(fileID FileID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, idx := range p.table {
		if id.FileID != fileID {
			continue
		}
		f := p.frames[idx]
		if f.pinCount > 0 {
			return fmt.Errorf("cannot invalidate page %s: pin count %d", id, f.pinCount)
		}
		delete(p.table, id)
		f.valid = false
		f.dirty = false
	}
	return nil
}

// flushFrame writes one dirty frame, caller holds the pool mutex.
func (p *BufferPool) flushFrame(f *Frame) error {
	f.Lock()
	err := p.disk.WritePage(f.id, f.buf)
	f.Unlock()
	if err != nil {
		return fmt.Errorf("flush page %s: %w", f.id, err)
	}
	f.dirty = false
	if p.metrics != nil {
		p.metrics.PoolFlushes.Inc()
	}
	return nil
}

// victim runs the clock sweep and returns a reclaimed frame, flushing a
// dirty victim first. Caller holds the pool mutex.
func (p *BufferPool) victim() (*Frame, error) {
	// Two full sweeps: the first clears reference bits, the second
	// reclaims the first unpinned frame it reaches.
	for i := 0; i < 2*len(p.frames); i++ {
		f := p.frames[p.clock]
		p.clock = (p.clock + 1) % len(p.frames)

		if !f.valid {
			return f, nil
		}
		if f.pinCount > 0 {
			continue
		}
		if f.ref {
			f.ref = false
			continue
		}
		if f.dirty {
			if err := p.flushFrame(f); err != nil {
				return nil, err
			}
		}
		delete(p.table, f.id)
		f.valid = false
		if p.metrics != nil {
			p.metrics.PoolEvictions.Inc()
		}
		return f, nil
	}
	return nil, ErrBufferPoolExhausted
}
