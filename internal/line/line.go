// Package line decodes and encodes single IRC protocol lines.
//
// Decoding is deliberately forgiving: real networks send lines that bend the
// grammar, so the only hard failure is a line without a command token.
package line

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoCommand is reported for input that has no command token.
var ErrNoCommand = errors.New("line has no command")

// ParseError describes a line that could not be tokenized.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse line %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Tags holds IRCv3 message tags. A key without a value maps to "".
type Tags map[string]string

// Line is one decoded protocol line. Lines handed out by the decoder are
// shared between handlers and must be treated as read-only.
type Line struct {
	Tags    Tags
	Source  *Hostmask
	Command string
	Params  []string
}

// New builds an outgoing line without tags or source.
func New(command string, params ...string) *Line {
	return &Line{Command: command, Params: params}
}

// Decode parses raw bytes, with or without the CRLF terminator.
func Decode(raw []byte) (*Line, error) {
	return Parse(string(raw))
}

// Parse parses one line of text.
func Parse(raw string) (*Line, error) {
	s := strings.TrimLeft(strings.TrimRight(raw, "\r\n"), " ")
	l := &Line{}

	if strings.HasPrefix(s, "@") {
		var tags string
		tags, s = cut(s[1:])
		l.Tags = parseTags(tags)
	}

	if strings.HasPrefix(s, ":") {
		var source string
		source, s = cut(s[1:])
		l.Source = ParseHostmask(source)
	}

	command, rest := cut(s)
	if command == "" {
		return nil, &ParseError{Raw: raw, Err: ErrNoCommand}
	}
	l.Command = strings.ToUpper(command)

	for rest != "" {
		if rest[0] == ':' {
			l.Params = append(l.Params, rest[1:])
			break
		}
		var param string
		param, rest = cut(rest)
		l.Params = append(l.Params, param)
	}

	return l, nil
}

// cut splits off the first space-delimited token and drops the run of spaces
// after it.
func cut(s string) (string, string) {
	head, tail, _ := strings.Cut(s, " ")
	return head, strings.TrimLeft(tail, " ")
}

func parseTags(raw string) Tags {
	tags := make(Tags)
	for _, tag := range strings.Split(raw, ";") {
		key, value, _ := strings.Cut(tag, "=")
		if key == "" {
			continue
		}
		tags[key] = unescapeTagValue(value)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func unescapeTagValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(v) {
			break
		}
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

var tagEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\:`,
	" ", `\s`,
	"\r", `\r`,
	"\n", `\n`,
)

// Encode serializes the line with a CRLF terminator.
func (l *Line) Encode() []byte {
	return []byte(l.String() + "\r\n")
}

// String serializes the line without a terminator. Tags are written in key
// order and the trailing marker is only used when the last parameter needs it.
func (l *Line) String() string {
	var b strings.Builder

	if len(l.Tags) > 0 {
		keys := make([]string, 0, len(l.Tags))
		for k := range l.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			if v := l.Tags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(tagEscaper.Replace(v))
			}
		}
		b.WriteByte(' ')
	}

	if l.Source != nil {
		if src := l.Source.String(); src != "" {
			b.WriteByte(':')
			b.WriteString(src)
			b.WriteByte(' ')
		}
	}

	b.WriteString(l.Command)

	for i, p := range l.Params {
		b.WriteByte(' ')
		if i == len(l.Params)-1 && needsTrailing(p) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}

	return b.String()
}

func needsTrailing(p string) bool {
	return p == "" || p[0] == ':' || strings.ContainsRune(p, ' ')
}

// Param returns the i-th parameter, or "" when there are not enough.
func (l *Line) Param(i int) string {
	if i < 0 || i >= len(l.Params) {
		return ""
	}
	return l.Params[i]
}

// Last returns the final parameter, or "".
func (l *Line) Last() string {
	return l.Param(len(l.Params) - 1)
}

// IsNumeric reports whether the command is a three digit numeric reply.
func (l *Line) IsNumeric() bool {
	if len(l.Command) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if l.Command[i] < '0' || l.Command[i] > '9' {
			return false
		}
	}
	return true
}

// Nick returns the source nickname, or "" for lines without a user source.
func (l *Line) Nick() string {
	if l.Source == nil {
		return ""
	}
	return l.Source.Nick
}

// Tag looks up a tag value.
func (l *Line) Tag(key string) (string, bool) {
	v, ok := l.Tags[key]
	return v, ok
}
