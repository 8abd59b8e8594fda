package builder

import (
	"bytes"
	"sync"
)

// Console is the job output log of a single build. Writes are split into
// lines and handed to the sink one line at a time.
type Console struct {
	mu   sync.Mutex
	sink func(line string)
	buf  bytes.Buffer
}

func NewConsole(sink func(line string)) *Console {
	return &Console{sink: sink}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for {
		idx := bytes.IndexByte(c.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(c.buf.Next(idx+1)[:idx], []byte("\r")))
		c.sink(line)
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (c *Console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() == 0 {
		return
	}
	c.sink(c.buf.String())
	c.buf.Reset()
}
