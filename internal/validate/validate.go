package validate

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Column sizes of the videos table.
const (
	MaxTitleLength       = 128
	MaxDescriptionLength = 512
)

var handlePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func checkLen(value string, max int, field string) string {
	if utf8.RuneCountInString(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Title(s string) string       { return checkLen(s, MaxTitleLength, "title") }
func Description(s string) string { return checkLen(s, MaxDescriptionLength, "description") }

// Handle reports whether s looks like a video handle or watch ticket id
// (32 lowercase hex characters).
func Handle(s string) bool {
	return handlePattern.MatchString(s)
}
