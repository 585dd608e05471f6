package protocol

import "bytes"

// LineDecoder reassembles complete lines from arbitrarily-sized byte chunks.
// Transports are free to split the body anywhere, including in the middle of
// a multi-byte UTF-8 sequence; the pending tail is kept as raw bytes so a
// split rune is made whole again by the next chunk.
//
// Invariant: at most one partial line is buffered at any time, and every
// complete line returned by Feed has been removed from the buffer.
type LineDecoder struct {
	pending []byte
}

// Feed appends a chunk and returns all newline-terminated lines completed by
// it, in order, with the terminator stripped. A trailing "\r" is dropped so
// CRLF transports frame identically to LF ones.
func (d *LineDecoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := d.pending[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		d.pending = d.pending[i+1:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return lines
}

// Flush returns the unterminated tail, if any, and resets the decoder.
// Streams are not guaranteed to end with a trailing newline, so callers
// must process this final fragment once at end of stream.
func (d *LineDecoder) Flush() (string, bool) {
	if len(d.pending) == 0 {
		return "", false
	}
	line := string(d.pending)
	d.pending = nil
	return line, true
}
