package configstore

import (
	"fmt"
	"strings"
)

// Error is a single validation failure produced by PreviewUpdate. Key is
// empty for document-level errors (e.g. "the document must be an object").
type Error struct {
	Key     string
	Message string
}

// FullMessage renders the error the way a human-facing diagnostic would:
// "'<key>' <message>", or bare message when Key is empty.
func (e Error) FullMessage() string {
	if e.Key == "" {
		return e.Message
	}
	return fmt.Sprintf("'%s' %s", e.Key, e.Message)
}

// Errors is a validation error list. It satisfies the error interface so a
// failed construction can return it directly.
type Errors []Error

func (errs Errors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.FullMessage()
	}
	return strings.Join(parts, "; ")
}
