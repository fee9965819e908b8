package model

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultTargetFormat is used when a caller does not name a target.
const DefaultTargetFormat = "pdf"

// formatToken restricts format names to what can safely be handed to the engine
// as a filter name and file extension.
var formatToken = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

// Format describes a document format the engine is known to handle.
type Format struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
}

// knownFormats maps extensions to MIME types. It is informational: callers may
// request formats outside this table and the engine decides.
var knownFormats = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":  "application/vnd.oasis.opendocument.text",
	"rtf":  "application/rtf",
	"txt":  "text/plain",
	"html": "text/html",
	"epub": "application/epub+zip",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"csv":  "text/csv",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"odg":  "application/vnd.oasis.opendocument.graphics",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"svg":  "image/svg+xml",
}

// NormalizeFormat lower-cases a format name and strips a leading dot.
func NormalizeFormat(f string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
}

// ValidFormat reports whether f is a well-formed format token.
func ValidFormat(f string) bool {
	return formatToken.MatchString(f)
}

// InferFormat derives a source format from a filename extension.
// It returns "" when the name carries no usable extension.
func InferFormat(filename string) string {
	ext := NormalizeFormat(filepath.Ext(filename))
	if !ValidFormat(ext) {
		return ""
	}
	return ext
}

// MIMEType returns the content type for a format, defaulting to a binary stream.
func MIMEType(format string) string {
	if m, ok := knownFormats[NormalizeFormat(format)]; ok {
		return m
	}
	return "application/octet-stream"
}

// KnownFormats returns the format table sorted by name.
func KnownFormats() []Format {
	out := make([]Format, 0, len(knownFormats))
	for name, mime := range knownFormats {
		out = append(out, Format{Name: name, MIME: mime})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
