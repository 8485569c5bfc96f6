package line

import "strings"

// Hostmask is a nick!user@host source. Missing components are left empty;
// a bare server name is stored in Host with an empty Nick.
type Hostmask struct {
	Nick string
	User string
	Host string
}

// ParseHostmask splits a source string. It returns nil for an empty string.
func ParseHostmask(raw string) *Hostmask {
	if raw == "" {
		return nil
	}

	rest, host, hasHost := strings.Cut(raw, "@")
	nick, user, _ := strings.Cut(rest, "!")

	if !hasHost && user == "" && strings.ContainsRune(nick, '.') {
		return &Hostmask{Host: nick}
	}

	h := &Hostmask{Nick: nick, User: user}
	if hasHost {
		h.Host = host
	}
	return h
}

// IsServer reports whether the mask names a server rather than a user.
func (h *Hostmask) IsServer() bool {
	return h.Nick == "" && h.Host != ""
}

func (h *Hostmask) String() string {
	if h == nil {
		return ""
	}
	if h.Nick == "" {
		return h.Host
	}

	var b strings.Builder
	b.WriteString(h.Nick)
	if h.User != "" {
		b.WriteByte('!')
		b.WriteString(h.User)
	}
	if h.Host != "" {
		b.WriteByte('@')
		b.WriteString(h.Host)
	}
	return b.String()
}
