package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidateIdentity validates the registration identity
func ValidateIdentity(nickname, username, realname string) error {
	if err := ValidateNickname(nickname); err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}
	if strings.ContainsAny(username, " @!\x00\r\n") {
		return fmt.Errorf("username contains invalid characters")
	}
	if strings.TrimSpace(realname) == "" {
		return fmt.Errorf("realname is required")
	}
	if strings.ContainsAny(realname, "\x00\r\n") {
		return fmt.Errorf("realname contains invalid characters")
	}
	return nil
}

// ValidateNickname validates a nickname before it is sent
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return fmt.Errorf("nickname is required")
	}
	if strings.ContainsAny(nickname, " ,*?!@.:\x00\r\n") {
		return fmt.Errorf("nickname contains invalid characters")
	}
	switch nickname[0] {
	case '#', '&', '$', ':':
		return fmt.Errorf("nickname must not start with %q", nickname[0])
	}
	if nickname[0] >= '0' && nickname[0] <= '9' {
		return fmt.Errorf("nickname must not start with a digit")
	}
	return nil
}

// ValidateChannelName validates an IRC channel name
func ValidateChannelName(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	// IRC channels must start with #, &, +, or !
	if channel[0] != '#' && channel[0] != '&' && channel[0] != '+' && channel[0] != '!' {
		return fmt.Errorf("channel name must start with #, &, +, or !")
	}
	if len(channel) > 200 {
		return fmt.Errorf("channel name too long (max 200 characters)")
	}
	if strings.ContainsAny(channel, " \x00\x07\x0A\x0D,") {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateServerAddress validates a host:port server address
func ValidateServerAddress(address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("server address is required")
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("server address must be host:port: %w", err)
	}
	if host == "" {
		return fmt.Errorf("server host is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

var knownMechanisms = map[string]bool{
	"PLAIN":         true,
	"EXTERNAL":      true,
	"SCRAM-SHA-256": true,
	"SCRAM-SHA-512": true,
}

// ValidateMechanisms checks a SASL mechanism preference list
func ValidateMechanisms(mechanisms []string) error {
	if len(mechanisms) == 0 {
		return fmt.Errorf("at least one SASL mechanism is required")
	}
	for _, m := range mechanisms {
		if !knownMechanisms[strings.ToUpper(m)] {
			return fmt.Errorf("unsupported SASL mechanism %q", m)
		}
	}
	return nil
}
