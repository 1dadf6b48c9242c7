package http11

import (
	"bytes"
	"io"
	"os"
)

// spillBody buffers r fully, keeping the result in memory when it fits
// within MaxInMemoryBodySize and spilling to a temp file once it doesn't.
// This lets a handler's on_request fire only once the body is completely
// available, matching the state machine's "Completion invokes the user's
// on_request" rule, without holding arbitrarily large request bodies in
// RAM.
//
// On success it returns a ready-to-read io.Reader (seeked to the start
// when backed by a file) and, if a temp file was created, the *os.File so
// the caller can track it for cleanup via Request.bodyFile.
func spillBody(r io.Reader) (io.Reader, *os.File, error) {
	buf := make([]byte, MaxInMemoryBodySize+1)

	limited := io.LimitReader(r, int64(len(buf)))
	n, err := io.ReadFull(limited, buf)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		// Body fits entirely within the probe window; done.
		return bytes.NewReader(buf[:n:n]), nil, nil
	case err != nil:
		return nil, nil, err
	}

	// Read exactly len(buf) bytes with no error: the body is larger than
	// the in-memory threshold. Spill to a temp file, writing what's
	// already buffered first, then streaming the remainder.
	f, ferr := os.CreateTemp("", "waveloop-body-*")
	if ferr != nil {
		return nil, nil, ferr
	}
	if _, werr := f.Write(buf[:n]); werr != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, werr
	}

	if _, cerr := io.Copy(f, r); cerr != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, cerr
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, serr
	}
	return f, f, nil
}

// closeSpilledBody removes a temp file created by spillBody, if any.
func closeSpilledBody(f *os.File) {
	if f == nil {
		return
	}
	f.Close()
	os.Remove(f.Name())
}
