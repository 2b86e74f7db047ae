package mime

import (
	"strings"
	"testing"

	"github.com/mailchannels/mimescan/mail/field"
)

// recorder captures every handler call so tests can check both the
// output and its order.
type recEvent struct {
	what  string // head, headEnd, body, bodyEnd
	phase Phase
	kind  RecordKind
	line  string
	named bool // head only: a non-nil field descriptor was passed
}

type recorder struct {
	events []recEvent
}

func (r *recorder) Header(phase Phase, info *field.Info, line []byte) {
	r.events = append(r.events, recEvent{what: "head", phase: phase, line: string(line), named: info != nil})
}

func (r *recorder) HeaderEnd() {
	r.events = append(r.events, recEvent{what: "headEnd"})
}

func (r *recorder) Body(kind RecordKind, line []byte) {
	r.events = append(r.events, recEvent{what: "body", kind: kind, line: string(line)})
}

func (r *recorder) BodyEnd() {
	r.events = append(r.events, recEvent{what: "bodyEnd"})
}

// feedLines feeds each line as one complete record, then end of input.
func feedLines(p *Parser, lines ...string) Flags {
	for _, ln := range lines {
		p.Parse(RecordLine, []byte(ln))
	}
	return p.Parse(RecordEnd, nil)
}

func (r *recorder) bodyLines() []string {
	var out []string
	for _, ev := range r.events {
		if ev.what == "body" {
			out = append(out, ev.line)
		}
	}
	return out
}

func (r *recorder) heads() []recEvent {
	var out []recEvent
	for _, ev := range r.events {
		if ev.what == "head" {
			out = append(out, ev)
		}
	}
	return out
}

func TestPlainTextMessage(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	flags := feedLines(p, "To: a@b", "Subject: hi", "", "hello")
	if flags != 0 {
		t.Error("expecting no flags, got:", flags)
	}
	want := []recEvent{
		{what: "head", phase: PhasePrimary, line: "To: a@b", named: true},
		{what: "head", phase: PhasePrimary, line: "Subject: hi", named: true},
		{what: "headEnd"},
		{what: "body", kind: RecordLine, line: "hello"},
		{what: "bodyEnd"},
	}
	if len(rec.events) != len(want) {
		t.Fatal("expecting", len(want), "events, got:", len(rec.events), rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Error("event", i, "expecting", want[i], "got", rec.events[i])
		}
	}
}

func TestMultipartNesting(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	flags := feedLines(p,
		`Content-Type: multipart/mixed; boundary="X"`,
		"",
		"--X",
		"Content-Type: text/plain",
		"",
		"part1",
		"--X--",
		"after close",
	)
	if flags != 0 {
		t.Error("expecting no flags, got:", flags)
	}
	heads := rec.heads()
	if len(heads) != 2 {
		t.Fatal("expecting 2 headers, got:", len(heads))
	}
	if heads[1].phase != PhaseMultipart {
		t.Error("part header should carry the multipart phase, got:", heads[1].phase)
	}
	if heads[1].line != "Content-Type: text/plain" {
		t.Error("unexpected part header:", heads[1].line)
	}
	bodies := rec.bodyLines()
	wantBodies := []string{"--X", "part1", "--X--", "after close"}
	if len(bodies) != len(wantBodies) {
		t.Fatal("expecting", wantBodies, "got:", bodies)
	}
	for i := range wantBodies {
		if bodies[i] != wantBodies[i] {
			t.Error("body", i, "expecting", wantBodies[i], "got", bodies[i])
		}
	}
	if p.Depth() != 0 {
		t.Error("close delimiter should pop the stack, depth:", p.Depth())
	}
}

func TestHeaderFolding(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	feedLines(p, "Subject: hello", "\tworld", "", "")
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("folded header should arrive as one, got:", len(heads))
	}
	if heads[0].line != "Subject: hello\n\tworld" {
		t.Errorf("expecting embedded newline between fragments, got: %q", heads[0].line)
	}
}

func TestObsoleteHeaderForm(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	feedLines(p, "Subject : spaced out", "")
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("expecting 1 header, got:", len(heads))
	}
	if heads[0].line != "Subject: spaced out" {
		t.Errorf("expecting the name:value form, got: %q", heads[0].line)
	}
	if !heads[0].named {
		t.Error("normalized header should still be recognized")
	}
}

func TestHeaderTruncation(t *testing.T) {
	rec := &recorder{}
	p := NewParserWithLimits(ReportTruncHeader, rec, Limits{HeaderLimit: 20})
	defer p.Close()

	flags := feedLines(p, "Subject: "+strings.Repeat("a", 40), "")
	if flags&ErrTruncHeader == 0 {
		t.Error("expecting the truncation flag")
	}
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("expecting 1 header, got:", len(heads))
	}
	if len(heads[0].line) != 20 {
		t.Error("emitted buffer should be exactly 20 bytes, got:", len(heads[0].line))
	}
}

func TestContinuationRecords(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	// one logical header split over three records
	p.Parse(RecordMore, []byte("Subject: abc"))
	p.Parse(RecordMore, []byte("def"))
	p.Parse(RecordLine, []byte("ghi"))
	p.Parse(RecordLine, nil)
	p.Parse(RecordEnd, nil)
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("expecting 1 header, got:", len(heads))
	}
	if heads[0].line != "Subject: abcdefghi" {
		t.Errorf("fragments should concatenate, got: %q", heads[0].line)
	}
}

func TestPendingFragmentFlushedAtEnd(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	p.Parse(RecordLine, nil)
	p.Parse(RecordMore, []byte("tail without newline"))
	p.Parse(RecordEnd, nil)
	bodies := rec.bodyLines()
	// the fragment, then the synthetic completion
	if len(bodies) != 2 || bodies[0] != "tail without newline" || bodies[1] != "" {
		t.Error("pending fragment should be completed before end of input, got:", bodies)
	}
	if rec.events[len(rec.events)-1].what != "bodyEnd" {
		t.Error("bodyEnd should still fire")
	}
}

func TestEightBitInSevenBitBody(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Report8BitIn7BitBody, rec)
	defer p.Close()

	lines := []string{"Content-Transfer-Encoding: 7bit", "", "caf\xe9", "th\xe9"}
	var flags Flags
	for _, ln := range lines {
		flags = p.Parse(RecordLine, []byte(ln))
	}
	if flags&Err8BitIn7BitBody == 0 {
		t.Error("expecting the 8-bit body flag")
	}
	// feeding the same records again must not change anything
	before := p.Flags()
	for _, ln := range lines {
		flags = p.Parse(RecordLine, []byte(ln))
	}
	if p.Parse(RecordEnd, nil) != before {
		t.Error("at-most-once flags are not idempotent")
	}
}

func TestEightBitInHeader(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Report8BitInHeader, rec)
	defer p.Close()

	flags := feedLines(p, "Subject: caf\xe9", "")
	if flags&Err8BitInHeader == 0 {
		t.Error("expecting the 8-bit header flag")
	}
}

func TestDowngrade(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Downgrade, rec)
	defer p.Close()

	flags := feedLines(p, "Content-Transfer-Encoding: 8bit", "", "h\xe9llo")
	if flags != 0 {
		t.Error("expecting no flags, got:", flags)
	}
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("the 8bit header should be replaced, not duplicated, got:", len(heads))
	}
	if heads[0].line != "Content-Transfer-Encoding: quoted-printable" {
		t.Error("expecting the synthesized replacement, got:", heads[0].line)
	}
	if heads[0].named {
		t.Error("the synthesized header carries no descriptor")
	}
	bodies := rec.bodyLines()
	if len(bodies) != 1 || bodies[0] != "h=E9llo" {
		t.Error("expecting quoted-printable body, got:", bodies)
	}
}

func TestDowngradeSoftBreak(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Downgrade, rec)
	defer p.Close()

	long := strings.Repeat("x", 200)
	feedLines(p, "Content-Transfer-Encoding: 8bit", "", long)
	bodies := rec.bodyLines()
	if len(bodies) < 2 {
		t.Fatal("a long line should be soft-broken, got:", len(bodies))
	}
	var joined string
	for i, ln := range bodies {
		if len(ln) > 76 {
			t.Error("output line", i, "too long:", len(ln))
		}
		if i < len(bodies)-1 {
			if !strings.HasSuffix(ln, "=") {
				t.Error("soft-broken line must end with =, got:", ln)
			}
			joined += ln[:len(ln)-1]
		} else {
			joined += ln
		}
	}
	if joined != long {
		t.Error("soft breaks must not lose or alter bytes")
	}
}

func TestDowngradeTrailingWhitespace(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Downgrade, rec)
	defer p.Close()

	feedLines(p, "Content-Transfer-Encoding: 8bit", "", "trailing ")
	bodies := rec.bodyLines()
	if len(bodies) != 1 || bodies[0] != "trailing=20" {
		t.Error("trailing space must be re-encoded, got:", bodies)
	}
}

func TestDowngradeCompositeGets7Bit(t *testing.T) {
	rec := &recorder{}
	p := NewParser(Downgrade, rec)
	defer p.Close()

	feedLines(p,
		`Content-Type: multipart/mixed; boundary="b"`,
		"Content-Transfer-Encoding: 8bit",
		"",
		"--b",
		"Content-Transfer-Encoding: 8bit",
		"",
		"d\xe9j\xe0",
		"--b--",
	)
	heads := rec.heads()
	// multipart/mixed passes through; both 8bit headers are replaced
	var replacements []string
	for _, h := range heads {
		if !h.named {
			replacements = append(replacements, h.line)
		}
	}
	if len(replacements) != 2 {
		t.Fatal("expecting 2 replacement headers, got:", replacements)
	}
	if replacements[0] != "Content-Transfer-Encoding: 7bit" {
		t.Error("composites downgrade to 7bit, got:", replacements[0])
	}
	if replacements[1] != "Content-Transfer-Encoding: quoted-printable" {
		t.Error("leaves downgrade to quoted-printable, got:", replacements[1])
	}
	// boundary lines are never re-encoded
	for _, ln := range rec.bodyLines() {
		if strings.HasPrefix(ln, "--b") && strings.Contains(ln, "=") {
			t.Error("delimiter line was re-encoded:", ln)
		}
	}
}

func TestNestingOverflow(t *testing.T) {
	rec := &recorder{}
	p := NewParserWithLimits(0, rec, Limits{MaxDepth: 2})
	defer p.Close()

	flags := feedLines(p,
		"Content-Type: multipart/mixed; boundary=A",
		"",
		"--A",
		"Content-Type: multipart/mixed; boundary=B",
		"",
		"--B",
		"Content-Type: multipart/mixed; boundary=C",
		"",
		"--C",
		"inner",
		"--C--",
		"--B--",
		"--A--",
	)
	if flags&ErrNesting == 0 {
		t.Error("expecting the nesting flag")
	}
	if p.Depth() != 0 {
		t.Error("outer close delimiters should still unwind the stack, depth:", p.Depth())
	}
	if rec.events[len(rec.events)-1].what != "bodyEnd" {
		t.Error("end of input should still emit bodyEnd")
	}
}

func TestMultipleBoundaryAttributes(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	p.Parse(RecordLine, []byte(`Content-Type: multipart/mixed; boundary=a; boundary=b`))
	p.Parse(RecordLine, nil)
	if p.Depth() != 2 {
		t.Error("every boundary attribute pushes, depth:", p.Depth())
	}
}

func TestBoundaryTruncation(t *testing.T) {
	rec := &recorder{}
	p := NewParserWithLimits(0, rec, Limits{MaxBoundaryLen: 4})
	defer p.Close()

	feedLines(p,
		"Content-Type: multipart/mixed; boundary=abcdefgh",
		"",
		"--abcdTRAILING",
		"Content-Type: text/plain",
		"",
		"x",
	)
	heads := rec.heads()
	// the truncated prefix must still open a part, trailing bytes ignored
	if len(heads) != 2 || heads[1].phase != PhaseMultipart {
		t.Error("truncated boundary should match on its stored prefix")
	}
}

func TestNestedMessage(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	feedLines(p,
		"Content-Type: message/rfc822",
		"",
		"Subject: inner",
		"",
		"inner body",
	)
	heads := rec.heads()
	if len(heads) != 2 {
		t.Fatal("expecting outer and inner headers, got:", len(heads))
	}
	if heads[1].phase != PhaseNested {
		t.Error("attached message headers should carry the nested phase, got:", heads[1].phase)
	}
	if heads[1].line != "Subject: inner" {
		t.Error("unexpected nested header:", heads[1].line)
	}
}

func TestMessagePartialStaysFlat(t *testing.T) {
	rec := &recorder{}
	p := NewParser(ReportEncodingDomain, rec)
	defer p.Close()

	flags := feedLines(p,
		"Content-Type: message/partial; number=1; total=3",
		"Content-Transfer-Encoding: 8bit",
		"",
		"fragment",
	)
	if flags&ErrEncodingDomain == 0 {
		t.Error("message/partial must be 7bit, expecting the domain flag")
	}
	for _, ev := range rec.events {
		if ev.what == "head" && ev.phase == PhaseNested {
			t.Error("message/partial must not recurse into nested headers")
		}
	}
}

func TestEncodingDomainOnComposite(t *testing.T) {
	rec := &recorder{}
	p := NewParser(ReportEncodingDomain, rec)
	defer p.Close()

	flags := feedLines(p,
		`Content-Type: multipart/mixed; boundary="q"`,
		"Content-Transfer-Encoding: base64",
		"",
		"--q--",
	)
	if flags&ErrEncodingDomain == 0 {
		t.Error("a multipart with a transformation encoding must be flagged")
	}
}

func TestUnknownEncodingLeavesState(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	p.Parse(RecordLine, []byte("Content-Transfer-Encoding: 8bit"))
	p.Parse(RecordLine, []byte("Content-Transfer-Encoding: x-unknown"))
	p.Parse(RecordLine, nil)
	if p.currEnc != Enc8Bit || p.currDomain != Enc8Bit {
		t.Error("unrecognized encodings must not touch the state")
	}
}

func TestStrayTextInHeaderBlock(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	feedLines(p, "Subject: x", "no colon here", "more body")
	bodies := rec.bodyLines()
	// a parked empty line takes the place of the missing separator
	want := []string{"", "no colon here", "more body"}
	if len(bodies) != len(want) {
		t.Fatal("expecting", want, "got:", bodies)
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Error("body", i, "expecting", want[i], "got", bodies[i])
		}
	}
}

func TestDisableMime(t *testing.T) {
	rec := &recorder{}
	p := NewParser(DisableMime, rec)
	defer p.Close()

	feedLines(p,
		`Content-Type: multipart/mixed; boundary="z"`,
		"",
		"--z",
		"not headers",
	)
	if p.Depth() != 0 {
		t.Error("no boundary may be pushed with mime disabled")
	}
	heads := rec.heads()
	if len(heads) != 1 {
		t.Fatal("expecting only the primary header, got:", len(heads))
	}
	if !heads[0].named {
		t.Error("the name is still looked up for the descriptor")
	}
	bodies := rec.bodyLines()
	if len(bodies) != 2 || bodies[0] != "--z" {
		t.Error("everything after the headers is body, got:", bodies)
	}
}

func TestMultipartDigestDefaults(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	feedLines(p,
		"Content-Type: multipart/digest; boundary=d",
		"",
		"--d",
		"",
		"Subject: first message",
		"",
		"body",
		"--d--",
	)
	// the digest part defaults to message/rfc822, so the empty line after
	// the delimiter drops into the attached message's headers
	var sawNested bool
	for _, ev := range rec.events {
		if ev.what == "head" && ev.phase == PhaseNested {
			sawNested = true
		}
	}
	if !sawNested {
		t.Error("digest parts default to message/rfc822 and recurse on the empty line")
	}
}

func TestEmptyMessage(t *testing.T) {
	rec := &recorder{}
	p := NewParser(0, rec)
	defer p.Close()

	flags := p.Parse(RecordEnd, nil)
	if flags != 0 {
		t.Error("expecting no flags, got:", flags)
	}
	want := []string{"headEnd", "bodyEnd"}
	if len(rec.events) != 2 || rec.events[0].what != want[0] || rec.events[1].what != want[1] {
		t.Error("an empty message still closes both regions, got:", rec.events)
	}
}

func TestErrorText(t *testing.T) {
	// severity: nesting outranks everything else
	msg := ErrorText(ErrNesting | ErrTruncHeader | ErrEncodingDomain)
	if msg != ErrorText(ErrNesting) {
		t.Error("expecting the nesting message, got:", msg)
	}
	if ErrorText(ErrEncodingDomain) == "" {
		t.Error("every flag needs a message")
	}
	defer func() {
		if recover() == nil {
			t.Error("ErrorText(0) must panic")
		}
	}()
	_ = ErrorText(0)
}

func TestRecurseAllMessageWithDowngradePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("the option combination must panic at construction")
		}
	}()
	_ = NewParser(RecurseAllMessage|Downgrade, &recorder{})
}
