package relay

import (
	"errors"
	"io"
)

// Pump copies src to dst in chunks of size bytes until src reports end of
// stream or any read or write fails. Interrupted reads are retried. A clean
// end of stream returns a nil error.
//
// Pump never closes either side; the session that owns them does.
func Pump(dst io.Writer, src io.Reader, size int) (written int64, err error) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	buf := make([]byte, size)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if isInterrupted(rerr) {
				continue
			}
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
