package mimescan

import (
	"io"

	"github.com/mailchannels/mimescan/mail"
	"github.com/mailchannels/mimescan/mail/field"
	"github.com/mailchannels/mimescan/mail/mime"
)

// Scanner drives one mime.Parser per message: it frames the input into
// records, feeds the parser, and reassembles the (possibly downgraded)
// message on the output writer. A Scanner is immutable and may be shared;
// each Scan call builds its own parser.
type Scanner struct {
	options mime.Options
	limits  mime.Limits
}

// NewScanner builds a Scanner from the scan section of the config.
func NewScanner(sc ScanConfig) *Scanner {
	return &Scanner{options: sc.Options(), limits: sc.Limits()}
}

// NewScannerOptions builds a Scanner from raw parser options and limits.
func NewScannerOptions(options mime.Options, limits mime.Limits) *Scanner {
	return &Scanner{options: options, limits: limits}
}

// Scan streams one message from src to dst, filling e with the scan
// results. The returned flags are the anomalies raised; err reports I/O
// trouble, never anomalies.
func (s *Scanner) Scan(dst io.Writer, src io.Reader, e *mail.Envelope) (mime.Flags, error) {
	h := &rewriteHandler{out: dst, envelope: e, phase: -1}
	p := mime.NewParserWithLimits(s.options, h, s.limits)
	defer p.Close()
	r := mail.NewRecordReader(src, 0)
	var flags mime.Flags
	for {
		kind, line, err := r.ReadRecord()
		if err != nil {
			if err == io.EOF {
				break
			}
			// flush what we have so the handler's counters are sane
			p.Parse(mime.RecordEnd, nil)
			return p.Flags(), err
		}
		flags = p.Parse(kind, line)
		if kind == mime.RecordEnd {
			break
		}
	}
	e.Flags = flags
	return flags, h.err
}

// rewriteHandler reassembles the parser's output into a message again.
// The parser consumes the empty line that closes each header block, so
// the handler re-inserts a blank separator whenever output switches from
// headers to body, or from one header phase to another (an attached
// message's headers directly follow the enclosing ones).
type rewriteHandler struct {
	out      io.Writer
	envelope *mail.Envelope
	err      error

	wroteHeader bool
	phase       mime.Phase
}

var nl = []byte{'\n'}

func (h *rewriteHandler) write(b []byte) {
	if h.err != nil || len(b) == 0 {
		return
	}
	_, h.err = h.out.Write(b)
}

func (h *rewriteHandler) newline() {
	if h.err != nil {
		return
	}
	_, h.err = h.out.Write(nl)
}

func (h *rewriteHandler) Header(phase mime.Phase, info *field.Info, line []byte) {
	if h.wroteHeader && phase != h.phase {
		h.newline()
	}
	if !h.wroteHeader || phase != h.phase {
		if phase != mime.PhasePrimary {
			h.envelope.Parts++
		}
	}
	h.write(line)
	h.newline()
	h.wroteHeader = true
	h.phase = phase
	h.envelope.Headers++
	if info != nil && info.Kind == field.Subject && h.envelope.Subject == "" {
		if v := headerValue(line, len(info.Name)); v != "" {
			h.envelope.Subject = v
		}
	}
}

func (h *rewriteHandler) HeaderEnd() {}

func (h *rewriteHandler) Body(kind mime.RecordKind, line []byte) {
	if h.wroteHeader {
		h.newline()
		h.wroteHeader = false
	}
	h.write(line)
	if kind == mime.RecordLine {
		h.newline()
	}
}

func (h *rewriteHandler) BodyEnd() {}

// headerValue returns the trimmed single-line value of a header whose
// name is nameLen bytes long.
func headerValue(line []byte, nameLen int) string {
	if len(line) <= nameLen+1 {
		return ""
	}
	v := line[nameLen+1:]
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\t') {
		v = v[1:]
	}
	// folded values keep only their first fragment here
	for i := 0; i < len(v); i++ {
		if v[i] == '\n' {
			v = v[:i]
			break
		}
	}
	return string(v)
}
