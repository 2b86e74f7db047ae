package mime

import (
	"testing"
)

func scanAll(src string, specials string, term byte) ([][]Token, []int) {
	var (
		groups [][]Token
		counts []int
	)
	rest := []byte(src)
	for {
		toks := make([]Token, maxTokens)
		n, r := Scan(toks, rest, specials, term)
		counts = append(counts, n)
		if n < 0 {
			return groups, counts
		}
		groups = append(groups, toks[:n])
		rest = r
	}
}

func TestScanContentTypeTokens(t *testing.T) {
	toks := make([]Token, maxTokens)
	n, rest := Scan(toks, []byte(" text/plain; charset=us-ascii"), RFC2045Specials, ';')
	if n != 3 {
		t.Fatal("expecting 3 tokens, got:", n)
	}
	if !toks[0].Matches("text") {
		t.Error("token 0 should match text, got:", string(toks[0].Value))
	}
	if !toks[1].Delim('/') {
		t.Error("token 1 should be /")
	}
	if !toks[2].Matches("PLAIN") {
		t.Error("token 2 should match plain case-insensitively")
	}
	if string(rest) != " charset=us-ascii" {
		t.Error("cursor should be just past the terminator, got:", string(rest))
	}
}

func TestScanQuotedString(t *testing.T) {
	toks := make([]Token, maxTokens)
	n, _ := Scan(toks, []byte(`boundary="foo bar"`), RFC2045Specials, ';')
	if n != 3 {
		t.Fatal("expecting 3 tokens, got:", n)
	}
	if toks[2].Kind != TokenQuoted {
		t.Error("token 2 should be a quoted string")
	}
	if string(toks[2].Value) != "foo bar" {
		t.Error("quoted interior expected, got:", string(toks[2].Value))
	}

	// backslash escapes
	n, _ = Scan(toks, []byte(`name="a\"b\\c"`), RFC2045Specials, ';')
	if n != 3 {
		t.Fatal("expecting 3 tokens, got:", n)
	}
	if string(toks[2].Value) != `a"b\c` {
		t.Error("unescaped interior expected, got:", string(toks[2].Value))
	}
}

func TestScanSentinel(t *testing.T) {
	// the last attribute has no trailing terminator but must still come back
	_, counts := scanAll("multipart/mixed; boundary=xyz", RFC2045Specials, ';')
	want := []int{3, 3, -1}
	if len(counts) != len(want) {
		t.Fatal("expecting 3 scans, got:", len(counts))
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Error("scan", i, "expecting", want[i], "got", counts[i])
		}
	}

	// an empty stretch before the terminator yields 0, not the sentinel
	toks := make([]Token, maxTokens)
	if n, _ := Scan(toks, []byte(" ; next"), RFC2045Specials, ';'); n != 0 {
		t.Error("empty stretch should return 0, got:", n)
	}

	// empty input yields the sentinel right away
	if n, _ := Scan(toks, nil, RFC2045Specials, ';'); n != -1 {
		t.Error("exhausted input should return -1, got:", n)
	}
}

func TestScanTokenOverflow(t *testing.T) {
	// tokens beyond the output size are consumed but dropped
	toks := make([]Token, 2)
	n, rest := Scan(toks, []byte("a b c d; tail"), "", ';')
	if n != 2 {
		t.Fatal("expecting capped count 2, got:", n)
	}
	if string(toks[0].Value) != "a" || string(toks[1].Value) != "b" {
		t.Error("stored tokens should be the first two")
	}
	if string(rest) != " tail" {
		t.Error("input should be consumed up to the terminator, got:", string(rest))
	}
}

func TestScanNoTerminator(t *testing.T) {
	// term 0 scans to the end of input
	toks := make([]Token, maxTokens)
	n, rest := Scan(toks, []byte("  quoted-printable  "), "", 0)
	if n != 1 {
		t.Fatal("expecting 1 token, got:", n)
	}
	if !toks[0].Matches("quoted-printable") {
		t.Error("atom mismatch, got:", string(toks[0].Value))
	}
	if len(rest) != 0 {
		t.Error("input should be exhausted")
	}
}
