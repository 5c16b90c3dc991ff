package transport

import (
	"io"

	"github.com/golang/snappy"
)

// CompStream wraps a byte stream with snappy framing. It carries the
// manifest/control lane, where payloads are JSON and compress well;
// chunk payloads go uncompressed because the CES layer already did the
// work.
type CompStream struct {
	rwc io.ReadWriteCloser
	w   *snappy.Writer
	r   *snappy.Reader
}

// NewCompStream creates a compressing wrapper around rwc.
func NewCompStream(rwc io.ReadWriteCloser) *CompStream {
	return &CompStream{
		rwc: rwc,
		w:   snappy.NewBufferedWriter(rwc),
		r:   snappy.NewReader(rwc),
	}
}

func (c *CompStream) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write compresses and flushes p so each control message stays
// self-contained on the wire.
func (c *CompStream) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *CompStream) Close() error {
	if err := c.w.Close(); err != nil {
		c.rwc.Close()
		return err
	}
	return c.rwc.Close()
}
