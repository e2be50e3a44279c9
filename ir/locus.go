package ir

import "fmt"

// TextFileLocus locates a diagnostic inside a source text. This module has
// no text front end, so every locus Validate reports is the zero locus.
type TextFileLocus struct {
	Newlines   uint32
	Tabs       uint32
	Characters uint32
}

// LineNumber returns the 1-based line.
func (l TextFileLocus) LineNumber() uint32 { return l.Newlines + 1 }

// Column returns the 1-based column, expanding tabs to tabSpacing columns.
func (l TextFileLocus) Column(tabSpacing uint32) uint32 {
	return l.Tabs*tabSpacing + l.Characters + 1
}

func (l TextFileLocus) String() string {
	return fmt.Sprintf("%d:%d", l.LineNumber(), l.Column(4))
}

// ValidationError reports a malformed module with the locus of the offending
// definition.
type ValidationError struct {
	Locus   TextFileLocus
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error at %s: %s", e.Locus, e.Message)
}
