package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MinContentLength = 1
	MaxContentLength = 2000
	MaxGroupName     = 100
)

// ValidateContent enforces the 1..2000 character bound on message content.
// Length is counted in characters, not bytes.
func ValidateContent(content string) error {
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	n := utf8.RuneCountInString(content)
	if n < MinContentLength {
		return fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if n > MaxContentLength {
		return fmt.Errorf("%w: message too long (%d > %d characters)", ErrValidation, n, MaxContentLength)
	}
	return nil
}

// ValidateConversationID rejects empty or whitespace-only identifiers.
func ValidateConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	return nil
}

// UniqueParticipants drops empty and duplicate ids while keeping order.
func UniqueParticipants(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ValidateGroup checks a group definition: a name of 1..100 characters and at
// least two distinct participants.
func ValidateGroup(name string, participants []string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 {
		return fmt.Errorf("%w: group name is required", ErrValidation)
	}
	if n > MaxGroupName {
		return fmt.Errorf("%w: group name too long", ErrValidation)
	}
	if len(UniqueParticipants(participants...)) < 2 {
		return fmt.Errorf("%w: at least 2 participants required", ErrValidation)
	}
	return nil
}
