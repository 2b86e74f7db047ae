package field

/*

Package field recognizes the leading name of an RFC 822 header line.
It never parses header values; callers get back a static descriptor
that tells them which well-known header they are holding, if any.

*/

// Kind classifies the headers the scanning pipeline cares about.
// Everything else is Other and passes through untouched.
type Kind int8

const (
	Other Kind = iota
	ContentType
	ContentTransferEncoding
	ContentDisposition
	ContentDescription
	ContentID
	MimeVersion
	Subject
)

// Info describes one well-known header. Name carries the canonical
// capitalization, eg. Content-Type.
type Info struct {
	Name string
	Kind Kind
}

var table = map[string]*Info{}

func add(name string, kind Kind) {
	lower := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		lower[i] = lowerByte(name[i])
	}
	table[string(lower)] = &Info{Name: name, Kind: kind}
}

func init() {
	add("Content-Type", ContentType)
	add("Content-Transfer-Encoding", ContentTransferEncoding)
	add("Content-Disposition", ContentDisposition)
	add("Content-Description", ContentDescription)
	add("Content-Id", ContentID)
	add("Mime-Version", MimeVersion)
	add("Subject", Subject)
	add("Received", Other)
	add("Return-Path", Other)
	add("Delivered-To", Other)
	add("From", Other)
	add("Sender", Other)
	add("Reply-To", Other)
	add("To", Other)
	add("Cc", Other)
	add("Bcc", Other)
	add("Date", Other)
	add("Message-Id", Other)
	add("In-Reply-To", Other)
	add("References", Other)
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

// IsHeader returns the length of the field name when line begins with a
// syntactically valid RFC 822 field name followed by a colon, 0 otherwise.
// The name may be separated from the colon by blanks (the obsolete
// "Name :" form); the blanks and the colon are not counted.
func IsHeader(line []byte) int {
	n := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == ':':
			if n > 0 {
				return n
			}
			return 0
		case c == ' ' || c == '\t':
			for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
				i++
			}
			if n > 0 && i < len(line) && line[i] == ':' {
				return n
			}
			return 0
		case c < 33 || c > 126:
			return 0
		default:
			n++
		}
	}
	return 0
}

const maxNameLen = 64

// Lookup matches the leading field name of line against the table of
// well-known headers. It returns nil when the line is not a header or
// the name is not known.
func Lookup(line []byte) *Info {
	n := IsHeader(line)
	if n == 0 || n > maxNameLen {
		return nil
	}
	var name [maxNameLen]byte
	for i := 0; i < n; i++ {
		name[i] = lowerByte(line[i])
	}
	return table[string(name[:n])]
}
