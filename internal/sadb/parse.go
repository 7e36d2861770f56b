package sadb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yuuki/ibsa/internal/subnet"
)

// lineParser walks a record line forward, token by token. The first failure
// sticks: later calls return zero values and leave err and token alone.
type lineParser struct {
	s     string
	pos   int
	token string
	err   error
}

func (p *lineParser) rest() string { return p.s[p.pos:] }

// seek moves past the next occurrence of name
func (p *lineParser) seek(name string) bool {
	if p.err != nil {
		return false
	}
	p.token = name
	i := strings.Index(p.s[p.pos:], name)
	if i < 0 {
		p.err = errTokenMissing
		return false
	}
	p.pos += i + len(name)
	return true
}

func (p *lineParser) hex(name string, bits int) uint64 {
	if !p.seek(name) {
		return 0
	}
	end := p.pos
	for end < len(p.s) && isHexDigit(p.s[end]) {
		end++
	}
	if end == p.pos {
		p.err = fmt.Errorf("%w: no digits", errBadHex)
		return 0
	}
	if end < len(p.s) && !isSpace(p.s[end]) && p.s[end] != ':' {
		p.err = fmt.Errorf("%w: unexpected %q", errBadHex, p.s[end])
		return 0
	}
	v, err := strconv.ParseUint(p.s[p.pos:end], 16, bits)
	if err != nil {
		p.err = fmt.Errorf("%w: %v", errBadHex, err)
		return 0
	}
	p.pos = end
	return v
}

func (p *lineParser) u8(name string) uint8   { return uint8(p.hex(name, 8)) }
func (p *lineParser) u16(name string) uint16 { return uint16(p.hex(name, 16)) }
func (p *lineParser) u32(name string) uint32 { return uint32(p.hex(name, 32)) }
func (p *lineParser) u64(name string) uint64 { return p.hex(name, 64) }

// gid reads "<name><prefix>:0x<interface id>"
func (p *lineParser) gid(name string) subnet.GID {
	return subnet.GID{Prefix: p.u64(name), InterfaceID: p.u64(":0x")}
}

// str reads a string delimited by ' or ", or up to the next space when it
// is not quoted. At most maxServiceName bytes are kept.
func (p *lineParser) str(name string) string {
	if !p.seek(name) {
		return ""
	}
	delim := byte(' ')
	if p.pos < len(p.s) && (p.s[p.pos] == '\'' || p.s[p.pos] == '"') {
		delim = p.s[p.pos]
		p.pos++
	}
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != delim && p.pos-start < maxServiceName {
		p.pos++
	}
	v := p.s[start:p.pos]
	if p.pos < len(p.s) && p.s[p.pos] == delim && delim != ' ' {
		p.pos++
	}
	return v
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
