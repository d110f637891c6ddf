package relay

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max frame payload size
	MaxTextChars    = 2000 // max message character count
	MaxUsernameLen  = 64
)

// ValidateText checks that an inbound message body meets content
// requirements before it is stored or relayed.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if strings.Contains(text, "|") {
		return fmt.Errorf("message contains the frame delimiter")
	}
	return nil
}

// ValidateUsername checks a username at upgrade time. The pipe character is
// forbidden because it is the frame delimiter.
func ValidateUsername(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("username is empty")
	}
	if len(name) > MaxUsernameLen {
		return fmt.Errorf("username exceeds %d byte limit", MaxUsernameLen)
	}
	if strings.Contains(name, "|") {
		return fmt.Errorf("username contains the frame delimiter")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("username contains invalid UTF-8")
	}
	return nil
}
