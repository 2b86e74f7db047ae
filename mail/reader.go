package mail

import (
	"bufio"
	"io"

	"github.com/mailchannels/mimescan/mail/mime"
)

// DefaultRecordSize is the frame buffer used when no size is given.
// Lines longer than the frame arrive as RecordMore fragments.
const DefaultRecordSize = 4096

// RecordReader frames a byte stream into the logical line records the
// mime parser consumes. Lines are delivered without their terminator;
// both LF and CRLF are accepted. End of input yields one RecordEnd
// record, then io.EOF.
type RecordReader struct {
	r       *bufio.Reader
	pending bool // unterminated tail was delivered, RecordEnd is due
	done    bool
}

// NewRecordReader wraps r with a frame buffer of size bytes (0 means
// DefaultRecordSize).
func NewRecordReader(r io.Reader, size int) *RecordReader {
	if size <= 0 {
		size = DefaultRecordSize
	}
	if size < 16 {
		size = 16
	}
	return &RecordReader{r: bufio.NewReaderSize(r, size)}
}

// ReadRecord returns the next record. The returned slice is only valid
// until the next call.
func (r *RecordReader) ReadRecord() (mime.RecordKind, []byte, error) {
	if r.done {
		return mime.RecordEnd, nil, io.EOF
	}
	if r.pending {
		r.pending = false
		r.done = true
		return mime.RecordEnd, nil, nil
	}
	line, err := r.r.ReadSlice('\n')
	switch err {
	case nil:
		line = line[:len(line)-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		return mime.RecordLine, line, nil
	case bufio.ErrBufferFull:
		return mime.RecordMore, line, nil
	case io.EOF:
		if len(line) > 0 {
			// input ended without a terminator; the tail is still a
			// complete logical line and RecordEnd follows next call
			r.pending = true
			return mime.RecordLine, line, nil
		}
		r.done = true
		return mime.RecordEnd, nil, nil
	default:
		r.done = true
		return mime.RecordEnd, nil, err
	}
}
