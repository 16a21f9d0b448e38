package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsasourced/alsasourced/internal/memchunk"
)

// orderedSink records each posted chunk's first byte (fakePCM.Feed fills
// with zeroes, so this test instead tracks arrival sequence numbers stamped
// into the chunk data by feedTagged) to verify property 6: chunks reach the
// sink in the same order their frames were captured, for both the mmap and
// unix-read paths.
type orderedSink struct {
	seqs []byte
}

func (o *orderedSink) Post(c memchunk.Chunk) {
	b := c.Bytes()
	if len(b) > 0 {
		o.seqs = append(o.seqs, b[0])
	}
}

// feedTagged appends n frames whose first byte of each frame is a
// strictly increasing tag, so posted-chunk order can be checked against
// capture order.
func feedTagged(pcm *fakePCM, startTag byte, frames int) {
	pcm.mu.Lock()
	defer pcm.mu.Unlock()
	for i := 0; i < frames; i++ {
		frame := make([]byte, pcm.frameSize)
		frame[0] = startTag + byte(i)
		pcm.buf = append(pcm.buf, frame...)
	}
}

func TestReadOrderPreservedMMap(t *testing.T) {
	s, pcm, _ := newHarness(t, 4, 8192)
	sink := &orderedSink{}
	s.sink = sink
	s.useMMap = true

	feedTagged(pcm, 1, 50)

	for {
		work, _, err := s.runReadEngine(true)
		require.NoError(t, err)
		if !work {
			break
		}
	}

	for i := 1; i < len(sink.seqs); i++ {
		assert.Greater(t, sink.seqs[i], sink.seqs[i-1], "chunk %d arrived out of capture order", i)
	}
	assert.NotEmpty(t, sink.seqs)
}

func TestReadOrderPreservedUnix(t *testing.T) {
	s, pcm, _ := newHarness(t, 4, 8192)
	sink := &orderedSink{}
	s.sink = sink
	s.useMMap = false

	feedTagged(pcm, 1, 50)

	for {
		work, _, err := s.runReadEngine(true)
		require.NoError(t, err)
		if !work {
			break
		}
	}

	for i := 1; i < len(sink.seqs); i++ {
		assert.Greater(t, sink.seqs[i], sink.seqs[i-1], "chunk %d arrived out of capture order", i)
	}
	assert.NotEmpty(t, sink.seqs)
}
