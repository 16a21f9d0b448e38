package capture

import (
	"fmt"
	"unsafe"

	"github.com/alsasourced/alsasourced/internal/memchunk"
)

// readMMapBurst implements the mmap_read burst: expose the kernel's DMA
// region via MMapBegin, wrap it as a zero-copy fixed memblock, post it
// downstream, release the engine's own reference, and commit the frames
// back to the kernel. Per data-model invariant 4 and the zero-copy design
// note in §9, the Release call happens via defer so it runs even if Post
// panics, keeping MMapCommit reachable on every exit path.
func (s *Source) readMMapBurst(nBytes int) error {
	frameSize := s.sampleSpec.FrameSize()
	wantFrames := nBytes / frameSize
	if maxFrames := s.pool.MaxBlockSize / frameSize; wantFrames > maxFrames {
		wantFrames = maxFrames
	}
	if wantFrames <= 0 {
		return nil
	}

	area, offset, frames, err := s.io.pcm.MMapBegin(wantFrames)
	if err != nil {
		return s.tryRecover(err)
	}
	if frames <= 0 {
		return nil
	}

	// From here on the granted frames are committed on every exit path,
	// including the area-check error below and a panicking Post.
	committed := false
	defer func() {
		if !committed {
			_, _ = s.io.pcm.MMapCommit(offset, frames)
		}
	}()

	if area.FirstBit != 0 || area.StepBits != frameSize*8 {
		return fmt.Errorf("capture: mmap area is not a single interleaved buffer (first=%d step=%d)", area.FirstBit, area.StepBits)
	}

	length := frames * frameSize
	data := unsafe.Slice((*byte)(area.Addr), length)

	chunk := memchunk.NewFixed(data, func() {})
	func() {
		defer chunk.Release()
		s.sink.Post(chunk)
	}()

	committed = true
	if _, err := s.io.pcm.MMapCommit(offset, frames); err != nil {
		return s.tryRecover(err)
	}

	s.io.readCount += uint64(length)
	return nil
}
