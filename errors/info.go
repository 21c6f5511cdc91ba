package errors

import (
	"fmt"
	"strings"
)

// Info accumulates diagnostic messages across successive load attempts.
// The zero value is ready to use. Not safe for concurrent use.
type Info struct {
	parts []string
}

// Add appends a message. Empty messages are ignored.
func (i *Info) Add(msg string) {
	if msg == "" {
		return
	}
	i.parts = append(i.parts, msg)
}

// Addf appends a formatted message.
func (i *Info) Addf(format string, args ...any) {
	i.Add(fmt.Sprintf(format, args...))
}

// Len returns the number of messages collected.
func (i *Info) Len() int {
	return len(i.parts)
}

// Reset drops all messages.
func (i *Info) Reset() {
	i.parts = i.parts[:0]
}

// String joins the messages in the order they were added.
func (i *Info) String() string {
	return strings.Join(i.parts, "; ")
}
