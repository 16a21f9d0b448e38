package capture

import "github.com/alsasourced/alsasourced/internal/memchunk"

// readUnixBurst implements the unix_read (copy-mode) burst: allocate a
// fresh memblock sized by the pool's preferred block size, read into it via
// readi, post downstream, and release the engine's reference.
func (s *Source) readUnixBurst(nBytes int) error {
	frameSize := s.sampleSpec.FrameSize()

	want := nBytes
	if want > s.pool.MaxBlockSize {
		want = s.pool.MaxBlockSize
	}
	want = (want / frameSize) * frameSize
	if want <= 0 {
		return nil
	}

	chunk := memchunk.NewChunk(want)
	n, err := s.io.pcm.Readi(chunk.Bytes(), frameSize)
	if err != nil {
		chunk.Release()
		return s.tryRecover(err)
	}

	read := n * frameSize
	chunk.Length = read
	s.sink.Post(chunk)
	chunk.Release()

	s.io.readCount += uint64(read)
	return nil
}
