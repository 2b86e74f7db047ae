package mime

/*

Mime is a single-pass, streaming scanner for the MIME structure of an
RFC 822 message. It consumes logical line records, tells headers from
body content at every multipart nesting level, optionally rewrites
8-bit body text as quoted-printable on the fly, and accumulates a small
set of anomaly flags. It holds no more of the message than one logical
header (capped) and the stack of active multipart boundaries, so it can
run over messages of any size without backtracking or multi-scanning.

*/

import (
	"github.com/mailchannels/mimescan/mail/field"
)

// RecordKind tags one input record.
type RecordKind int8

const (
	// RecordLine is a complete logical line, without its terminator.
	RecordLine RecordKind = iota
	// RecordMore is a line fragment; the logical line continues with
	// the next record.
	RecordMore
	// RecordEnd is a non-text record: end of input or an out-of-band
	// marker. It forces the parser into body state and fires BodyEnd.
	RecordEnd
)

// Phase is where the parser is inside the message. The three header
// phases share one code path; the value is handed to Handler.Header so
// callers can tell primary headers from part and attached-message
// headers.
type Phase int8

const (
	PhasePrimary Phase = iota
	PhaseMultipart
	PhaseNested
	PhaseBody
)

// CType is the recognized major content type.
type CType int8

const (
	CTypeOther CType = iota
	CTypeText
	CTypeMessage
	CTypeMultipart
)

// SType is the recognized content subtype.
type SType int8

const (
	STypeOther SType = iota
	STypePlain
	STypeRFC822
	STypePartial
	STypeExternalBody
)

// Encoding is a Content-Transfer-Encoding value. The first three double
// as encoding domains: quoted-printable and base64 are transformations
// whose domain is Enc7Bit.
type Encoding int8

const (
	Enc7Bit Encoding = iota
	Enc8Bit
	EncBinary
	EncQuotedPrintable
	EncBase64
)

// Flags accumulate structural anomalies. They are OR-ed across the whole
// message and never abort parsing.
type Flags uint8

const (
	// ErrTruncHeader: a single logical header exceeded HeaderLimit;
	// the excess bytes were dropped.
	ErrTruncHeader Flags = 1 << iota
	// ErrNesting: a multipart push would exceed MaxDepth and was skipped.
	ErrNesting
	// Err8BitInHeader: a header contained a byte with the high bit set.
	Err8BitInHeader
	// Err8BitIn7BitBody: a nominally 7-bit body contained a byte with
	// the high bit set.
	Err8BitIn7BitBody
	// ErrEncodingDomain: a message/* or multipart/* entity declared a
	// transformation or a wrong-domain encoding.
	ErrEncodingDomain
)

// ErrorText returns the diagnostic for the most severe flag in f.
// Calling it with an empty flag set is a programming error.
func ErrorText(f Flags) string {
	switch {
	case f&ErrNesting != 0:
		return "MIME nesting exceeds safety limit"
	case f&ErrTruncHeader != 0:
		return "message header length exceeds safety limit"
	case f&Err8BitInHeader != 0:
		return "improper use of 8-bit data in message header"
	case f&Err8BitIn7BitBody != 0:
		return "improper use of 8-bit data in message body"
	case f&ErrEncodingDomain != 0:
		return "invalid message/* or multipart/* encoding domain"
	}
	panic("mime: ErrorText called with an empty flag set")
}

// Options select the parser's optional behaviors. They are fixed at
// construction.
type Options uint16

const (
	// DisableMime passes Content-* headers through uninterpreted; the
	// whole message after the primary headers is body.
	DisableMime Options = 1 << iota
	// ReportTruncHeader raises ErrTruncHeader on header overflow.
	ReportTruncHeader
	// Report8BitInHeader raises Err8BitInHeader.
	Report8BitInHeader
	// Report8BitIn7BitBody raises Err8BitIn7BitBody.
	Report8BitIn7BitBody
	// ReportEncodingDomain raises ErrEncodingDomain.
	ReportEncodingDomain
	// RecurseAllMessage parses the headers of any message/* entity, not
	// just message/rfc822. Not valid together with Downgrade.
	RecurseAllMessage
	// Downgrade rewrites 8-bit leaf bodies as quoted-printable and
	// replaces the affected Content-Transfer-Encoding headers.
	Downgrade
)

// ReportAnomalies turns on every Report* option.
const ReportAnomalies = ReportTruncHeader | Report8BitInHeader |
	Report8BitIn7BitBody | ReportEncodingDomain

// Limits bound the parser's memory against pathological input.
type Limits struct {
	// HeaderLimit caps one logical header, folding included.
	HeaderLimit int
	// MaxDepth caps multipart nesting.
	MaxDepth int
	// MaxBoundaryLen truncates stored boundary strings.
	MaxBoundaryLen int
}

// DefaultLimits mirror common MTA practice: generous headers, deep but
// bounded nesting, boundaries a little over the RFC 2046 maximum of 70.
var DefaultLimits = Limits{
	HeaderLimit:    102400,
	MaxDepth:       20,
	MaxBoundaryLen: 70 + 10,
}

// Handler receives the parser's output. Buffers passed to Header and
// Body are loaned for the duration of the call; the callee may mutate
// but not retain them. Embed NopHandler to get do-nothing hooks.
type Handler interface {
	// Header receives one completed logical header with '\n' between
	// folded fragments. info is nil for unknown names and for the
	// synthesized Content-Transfer-Encoding replacement.
	Header(phase Phase, info *field.Info, line []byte)
	// HeaderEnd fires exactly once, when the primary header block closes.
	HeaderEnd()
	// Body receives body-region output, one record at a time.
	Body(kind RecordKind, line []byte)
	// BodyEnd fires when end of input arrives in body state.
	BodyEnd()
}

// NopHandler implements every Handler hook as a no-op.
type NopHandler struct{}

func (NopHandler) Header(Phase, *field.Info, []byte) {}
func (NopHandler) HeaderEnd()                        {}
func (NopHandler) Body(RecordKind, []byte)           {}
func (NopHandler) BodyEnd()                          {}

const maxTokens = 3

// Parser is the streaming MIME state machine. One instance scans one
// message and must not be shared between goroutines; distinct instances
// are independent.
type Parser struct {
	options Options
	limits  Limits
	handler Handler

	phase      Phase
	currCType  CType
	currSType  SType
	currEnc    Encoding
	currDomain Encoding

	// buf holds the header being accumulated while in a header phase
	// and pending quoted-printable output while downgrading a body
	buf    []byte
	tokens [maxTokens]Token

	stack        []stackEntry
	nestingLevel int

	prevKind RecordKind
	errFlags Flags
}

// NewParser returns a parser with DefaultLimits. h must not be nil.
func NewParser(options Options, h Handler) *Parser {
	return NewParserWithLimits(options, h, DefaultLimits)
}

// NewParserWithLimits returns a parser with explicit limits; zero limit
// fields fall back to DefaultLimits.
func NewParserWithLimits(options Options, h Handler, limits Limits) *Parser {
	if options&RecurseAllMessage != 0 && options&Downgrade != 0 {
		panic("mime: RecurseAllMessage cannot be combined with Downgrade")
	}
	if h == nil {
		panic("mime: nil Handler")
	}
	if limits.HeaderLimit <= 0 {
		limits.HeaderLimit = DefaultLimits.HeaderLimit
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultLimits.MaxDepth
	}
	if limits.MaxBoundaryLen <= 0 {
		limits.MaxBoundaryLen = DefaultLimits.MaxBoundaryLen
	}
	return &Parser{
		options:    options,
		limits:     limits,
		handler:    h,
		phase:      PhasePrimary,
		currCType:  CTypeText,
		currSType:  STypePlain,
		currEnc:    Enc7Bit,
		currDomain: Enc7Bit,
		buf:        make([]byte, 0, 100),
	}
}

// Flags returns the anomalies accumulated so far.
func (p *Parser) Flags() Flags {
	return p.errFlags
}

// Depth returns the current multipart nesting depth.
func (p *Parser) Depth() int {
	return p.nestingLevel
}

// Parse feeds one record. The returned flags are cumulative. A
// RecordEnd record flushes any pending line fragment first, so no
// logical line ever straddles end of input.
func (p *Parser) Parse(kind RecordKind, line []byte) Flags {
	if kind == RecordEnd && p.prevKind == RecordMore {
		p.update(RecordLine, nil)
	}
	return p.update(kind, line)
}

// Close tears down the boundary stack and drops the buffers. The parser
// must not be fed after Close.
func (p *Parser) Close() {
	for len(p.stack) > 0 {
		p.pop()
	}
	p.buf = nil
}

func (p *Parser) update(kind RecordKind, line []byte) Flags {
	switch p.phase {
	case PhasePrimary, PhaseMultipart, PhaseNested:
		p.updateHeader(kind, line)
	case PhaseBody:
		p.updateBody(kind, line)
	default:
		panic("mime: unknown parser phase")
	}
	p.prevKind = kind
	return p.errFlags
}

var foldMark = []byte{'\n'}

// stashHeader appends b to the header buffer, honoring HeaderLimit.
// Bytes that do not fit are dropped and ErrTruncHeader raised when
// reporting is enabled.
func (p *Parser) stashHeader(b []byte) {
	room := p.limits.HeaderLimit - len(p.buf)
	if room >= len(b) {
		p.buf = append(p.buf, b...)
		return
	}
	if room > 0 {
		p.buf = append(p.buf, b[:room]...)
	}
	if p.options&ReportTruncHeader != 0 {
		p.errFlags |= ErrTruncHeader
	}
}

func (p *Parser) updateHeader(kind RecordKind, line []byte) {
	if kind == RecordLine || kind == RecordMore {

		// the tail of an overlong line
		if p.prevKind == RecordMore {
			p.stashHeader(line)
			return
		}

		// a folded continuation line
		if len(p.buf) > 0 && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			p.stashHeader(foldMark)
			p.stashHeader(line)
			return
		}
	}

	// neither continuation applied: the buffered header is complete
	if len(p.buf) > 0 {
		p.flushHeader()
	}

	// does this record start a new header?
	if kind == RecordLine || kind == RecordMore {
		if n := field.IsHeader(line); n > 0 {
			p.stashHeader(line[:n])
			rest := line[n:]
			for len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t') {
				rest = rest[1:]
			}
			p.stashHeader(rest)
			return
		}
	}

	// this record terminates the header block. When downgrading, the
	// replacement Content-Transfer-Encoding belongs right here.
	if p.options&Downgrade != 0 && p.currDomain != Enc7Bit {
		encoding := "quoted-printable"
		if p.currCType == CTypeMessage || p.currCType == CTypeMultipart {
			encoding = "7bit"
		}
		p.buf = append(p.buf[:0], "Content-Transfer-Encoding: "...)
		p.buf = append(p.buf, encoding...)
		p.handler.Header(p.phase, nil, p.buf)
		p.buf = p.buf[:0]
	}

	if p.phase == PhasePrimary {
		p.handler.HeaderEnd()
	}

	if p.options&ReportEncodingDomain != 0 {
		switch {
		case p.currCType == CTypeMessage &&
			(p.currSType == STypePartial || p.currSType == STypeExternalBody):
			if p.currDomain != Enc7Bit {
				p.errFlags |= ErrEncodingDomain
			}
		case p.currCType == CTypeMessage, p.currCType == CTypeMultipart:
			if p.currEnc != p.currDomain {
				p.errFlags |= ErrEncodingDomain
			}
		}
	}

	// find out whether the content that follows carries its own headers
	if kind == RecordLine || kind == RecordMore {
		if len(line) == 0 {
			switch {
			case p.options&DisableMime != 0:
				p.phase = PhaseBody
			case p.currCType == CTypeMessage:
				if p.currSType == STypeRFC822 || p.options&RecurseAllMessage != 0 {
					p.setState(PhaseNested, CTypeText, STypePlain, Enc7Bit, Enc7Bit)
				} else {
					p.phase = PhaseBody
				}
			case p.currCType == CTypeMultipart:
				p.setState(PhaseBody, CTypeOther, STypeOther, Enc7Bit, Enc7Bit)
			default:
				p.phase = PhaseBody
			}
			// the separating empty line is consumed, not emitted
			return
		}
		// stray text inside the header block: park an empty line in its
		// place and treat the rest of the message as body
		p.handler.Body(RecordLine, nil)
		p.phase = PhaseBody
	} else {
		p.phase = PhaseBody
	}
	p.updateBody(kind, line)
}

// flushHeader interprets and delivers the completed header in p.buf.
func (p *Parser) flushHeader() {
	info := field.Lookup(p.buf)
	if p.options&DisableMime == 0 && info != nil {
		switch info.Kind {
		case field.ContentType:
			p.contentType(info)
		case field.ContentTransferEncoding:
			p.contentEncoding(info)
		}
	}
	if p.options&Report8BitInHeader != 0 && p.errFlags&Err8BitInHeader == 0 {
		for _, b := range p.buf {
			if b >= 0x80 {
				p.errFlags |= Err8BitInHeader
				break
			}
		}
	}
	// suppress the original Content-Transfer-Encoding when a downgrade
	// replacement will be emitted at the end of the header block
	if p.options&Downgrade == 0 || p.currDomain == Enc7Bit ||
		info == nil || info.Kind != field.ContentTransferEncoding {
		p.handler.Header(p.phase, info, p.buf)
	}
	p.buf = p.buf[:0]
}

var closeDelim = []byte("--")

func (p *Parser) updateBody(kind RecordKind, line []byte) {
	if kind != RecordLine && kind != RecordMore {
		// non-text: end of input
		p.handler.BodyEnd()
		return
	}

	// scan before boundary matching, so that delimiter lines cannot
	// cancel the check on adjacent content
	if p.options&Report8BitIn7BitBody != 0 && p.currEnc == Enc7Bit &&
		p.errFlags&Err8BitIn7BitBody == 0 {
		for _, b := range line {
			if b >= 0x80 {
				p.errFlags |= Err8BitIn7BitBody
				break
			}
		}
	}

	// match boundary delimiters before any downgrading, so that
	// delimiter bytes are never re-encoded
	if len(p.stack) > 0 && p.prevKind != RecordMore &&
		len(line) > 2 && line[0] == '-' && line[1] == '-' {
		rest := line[2:]
		for i := len(p.stack) - 1; i >= 0; i-- {
			sp := p.stack[i]
			if !hasBoundaryPrefix(rest, sp.boundary) {
				continue
			}
			// terminate everything nested inside the matched context
			for len(p.stack)-1 > i {
				p.pop()
			}
			if hasBoundaryPrefix(rest[len(sp.boundary):], closeDelim) {
				// close delimiter: the matched context is done too
				p.pop()
				p.setState(PhaseBody, CTypeOther, STypeOther, Enc7Bit, Enc7Bit)
			} else {
				p.setState(PhaseMultipart, sp.defCType, sp.defSType, Enc7Bit, Enc7Bit)
			}
			break
		}
	}

	if p.options&Downgrade != 0 && p.currDomain != Enc7Bit {
		p.downgrade(kind, line)
	} else {
		p.handler.Body(kind, line)
	}
}

func hasBoundaryPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (p *Parser) setState(phase Phase, ct CType, st SType, enc, domain Encoding) {
	p.phase = phase
	p.currCType = ct
	p.currSType = st
	p.currEnc = enc
	p.currDomain = domain
}
