// +build linux

package photon

import "github.com/valyala/bytebufferpool"

// relayBufferSize is how much a Relay moves per read; the scratch space
// itself is pooled, not per-call.
const relayBufferSize = 32 * 1024

// Relay copies bytes from src to dst until src reaches end of stream,
// parking on whichever side blocks. The scratch buffer comes from a
// process-wide pool, so a server relaying on thousands of fibers does not
// hold a dedicated buffer per idle connection. Returns the number of
// bytes moved.
func (f *Fiber) Relay(dst, src int) (int64, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if cap(bb.B) < relayBufferSize {
		bb.B = make([]byte, relayBufferSize)
	}
	buf := bb.B[:relayBufferSize]

	var total int64
	for {
		n, err := f.Read(src, buf)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		if _, err := f.Write(dst, buf[:n]); err != nil {
			return total, err
		}
		total += int64(n)
	}
}
