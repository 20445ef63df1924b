package relay

import (
	"bytes"

	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/protocol"
)

// MaxLineSize bounds a single buffered line. A line growing past it is
// discarded up to its terminator.
const MaxLineSize = 1 << 20

// LineBuffer reassembles newline-delimited frames from arbitrary chunks.
type LineBuffer struct {
	buf      []byte
	max      int
	overflow bool
}

// NewLineBuffer returns a buffer enforcing MaxLineSize.
func NewLineBuffer() *LineBuffer {
	return &LineBuffer{max: MaxLineSize}
}

// Write appends a chunk and returns every line it completed, without
// terminators. Blank lines are skipped. The returned slices are copies.
func (b *LineBuffer) Write(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.append(chunk)
			break
		}
		b.append(chunk[:i])
		chunk = chunk[i+1:]
		if !b.overflow {
			line := bytes.TrimSpace(b.buf)
			if len(line) > 0 {
				lines = append(lines, append([]byte(nil), line...))
			}
		}
		b.buf = b.buf[:0]
		b.overflow = false
	}
	return lines
}

func (b *LineBuffer) append(p []byte) {
	if b.overflow {
		return
	}
	if len(b.buf)+len(p) > b.max {
		b.overflow = true
		b.buf = b.buf[:0]
		return
	}
	b.buf = append(b.buf, p...)
}

// Pending returns the number of buffered bytes of the incomplete line.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Decoder turns chunks into events, dropping and logging malformed lines.
type Decoder struct {
	lines   *LineBuffer
	logf    logging.Logf
	dropped int
}

// NewDecoder creates a decoder that reports dropped lines to logf.
func NewDecoder(logf logging.Logf) *Decoder {
	return &Decoder{lines: NewLineBuffer(), logf: logging.OrNop(logf)}
}

// Feed consumes a chunk and returns the complete, valid events it finished.
func (d *Decoder) Feed(chunk []byte) []*protocol.Event {
	var events []*protocol.Event
	for _, line := range d.lines.Write(chunk) {
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			d.dropped++
			d.logf("dropping malformed frame (%v): %.200s", err, line)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Dropped returns how many malformed lines were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}
