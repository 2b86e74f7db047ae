package mime

// Header interpretation. Only Content-Type and Content-Transfer-Encoding
// change the parser's state; every other header passes through.

import (
	"github.com/mailchannels/mimescan/mail/field"
)

// contentType updates the current content type from the completed
// Content-Type header in p.buf and pushes boundary entries for
// multipart entities.
func (p *Parser) contentType(info *field.Info) {
	rest := p.buf[len(info.Name)+1:]
	n, rest := Scan(p.tokens[:], rest, RFC2045Specials, ';')
	if n <= 0 {
		p.currCType = CTypeOther
		return
	}
	t := &p.tokens

	switch {
	case t[0].Matches("text"):
		p.currCType = CTypeText
		if n >= 3 && t[1].Delim('/') && t[2].Matches("plain") {
			p.currSType = STypePlain
		} else {
			p.currSType = STypeOther
		}

	case t[0].Matches("message"):
		p.currCType = CTypeMessage
		p.currSType = STypeOther
		if n >= 3 && t[1].Delim('/') {
			switch {
			case t[2].Matches("rfc822"):
				p.currSType = STypeRFC822
			case t[2].Matches("partial"):
				p.currSType = STypePartial
			case t[2].Matches("external-body"):
				p.currSType = STypeExternalBody
			}
		}

	case t[0].Matches("multipart"):
		p.currCType = CTypeMultipart
		// parts inherit text/plain, except in a digest
		defCType, defSType := CTypeText, STypePlain
		if n >= 3 && t[1].Delim('/') && t[2].Matches("digest") {
			defCType, defSType = CTypeMessage, STypeRFC822
		}
		// walk the ";"-separated attributes. Yes, a single header can
		// carry more than one boundary attribute; each one is pushed.
		for {
			n, rest = Scan(p.tokens[:], rest, RFC2045Specials, ';')
			if n < 0 {
				break
			}
			if n >= 3 && t[0].Matches("boundary") && t[1].Delim('=') && t[2].IsValue() {
				p.push(defCType, defSType, t[2].Value)
			}
		}

	default:
		p.currCType = CTypeOther
	}
}

// mimeEncodings maps Content-Transfer-Encoding names to the encoding and
// its 7bit/8bit/binary domain. Transformations live in the 7-bit domain.
var mimeEncodings = []struct {
	name     string
	encoding Encoding
	domain   Encoding
}{
	{"7bit", Enc7Bit, Enc7Bit},
	{"8bit", Enc8Bit, Enc8Bit},
	{"binary", EncBinary, EncBinary},
	{"quoted-printable", EncQuotedPrintable, Enc7Bit},
	{"base64", EncBase64, Enc7Bit},
}

// contentEncoding updates the current encoding from the completed
// Content-Transfer-Encoding header in p.buf. Unrecognized values leave
// the state untouched.
func (p *Parser) contentEncoding(info *field.Info) {
	rest := p.buf[len(info.Name)+1:]
	if n, _ := Scan(p.tokens[:1], rest, "", 0); n > 0 && p.tokens[0].Kind == TokenAtom {
		for _, enc := range mimeEncodings {
			if p.tokens[0].Matches(enc.name) {
				p.currEnc = enc.encoding
				p.currDomain = enc.domain
				break
			}
		}
	}
}
