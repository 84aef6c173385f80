// Package notify defines the delivery channel contract and implementations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Message is one match notification ready for delivery.
type Message struct {
	FilterName         string
	AnnouncementNumber string
	Title              string
	Description        string
	Link               string
	Score              int
	Matched            []string
	Price              *float64
	Region             string
}

// Deliverer sends a notification to one or more destinations.
type Deliverer interface {
	Send(ctx context.Context, destinations []string, msg Message) error
}

// RetriableError marks a delivery failure worth retrying.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return fmt.Sprintf("delivery: %v", e.Err) }

func (e *RetriableError) Unwrap() error { return e.Err }

// IsRetriable reports whether err is a retriable delivery failure.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

const descriptionLimit = 300

// Format renders a notification message body.
func Format(m Message) string {
	var b strings.Builder
	if m.FilterName != "" {
		fmt.Fprintf(&b, "[%s]\n\n", m.FilterName)
	}
	b.WriteString(m.Title)
	fmt.Fprintf(&b, "\n\nRelevance: %d/100", m.Score)
	if len(m.Matched) > 0 {
		fmt.Fprintf(&b, "\nMatched: %s", strings.Join(m.Matched, ", "))
	}
	if m.Price != nil {
		fmt.Fprintf(&b, "\nPrice: %.2f", *m.Price)
	}
	if m.Region != "" {
		fmt.Fprintf(&b, "\nRegion: %s", m.Region)
	}
	if m.Description != "" {
		desc := m.Description
		if len(desc) > descriptionLimit {
			// Back off to a rune boundary so a multi-byte character is
			// never cut in half.
			cut := descriptionLimit
			for cut > 0 && !utf8.RuneStart(desc[cut]) {
				cut--
			}
			desc = desc[:cut] + "..."
		}
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	if m.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(m.Link)
	}
	return b.String()
}
