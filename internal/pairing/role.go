package pairing

import (
	"errors"
	"fmt"
	"strings"
)

// Role is one side of a session.
type Role string

const (
	RoleReader Role = "reader"
	RoleTag    Role = "tag"
)

var ErrInvalidRole = errors.New("pairing: invalid role")

// ParseRole normalizes a role name or alias.
//
// reader, reader_mode -> reader
// tag, card, emulation -> tag
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reader", "reader_mode":
		return RoleReader, nil
	case "tag", "card", "emulation":
		return RoleTag, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ParseEventType maps the free-form type of a station event ("READER_MODE",
// "CARD_EMULATION", "TAG_DISCOVERED", ...) to a role by substring.
func ParseEventType(raw string) (Role, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case upper == "":
		return "", fmt.Errorf("%w: empty event type", ErrInvalidRole)
	case strings.Contains(upper, "READER"):
		return RoleReader, nil
	case strings.Contains(upper, "TAG"),
		strings.Contains(upper, "CARD"),
		strings.Contains(upper, "EMULATION"):
		return RoleTag, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleReader {
		return RoleTag
	}
	return RoleReader
}

func (r Role) String() string {
	return string(r)
}
