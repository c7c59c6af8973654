package sandbox

import "bytes"

const defaultMaxOutputBytes = 1 << 20

// cappedBuffer keeps the first max bytes written and silently drops the rest,
// so a chatty process never blocks on a full pipe.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int64) *cappedBuffer {
	if max <= 0 {
		max = defaultMaxOutputBytes
	}
	return &cappedBuffer{max: int(max)}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
