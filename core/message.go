package core

import (
	"net/url"
	"regexp"
	"strings"

	"execguard/policy"
)

const DefaultBlockMessage = "The following application has been blocked from executing because its trustworthiness cannot be determined."

var (
	htmlBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlTag   = regexp.MustCompile(`<[^>]*>`)
)

// FormatBlockMessage returns the plain-text message shown when an
// execution is blocked. custom wins over fallback, which wins over the
// built-in text.
func FormatBlockMessage(custom, fallback string) string {
	msg := custom
	if msg == "" {
		msg = fallback
	}
	if msg == "" {
		msg = DefaultBlockMessage
	}
	msg = htmlBreak.ReplaceAllString(msg, "\n")
	msg = htmlTag.ReplaceAllString(msg, "")
	return strings.TrimSpace(msg)
}

// URLFields are the values substituted into an event detail URL template.
type URLFields struct {
	MachineID string
	Hostname  string
	Username  string
}

// EventDetailURL expands the placeholders in tmpl for cd. An empty
// template gives an empty URL.
func EventDetailURL(tmpl string, cd *policy.CachedDecision, f URLFields) string {
	if tmpl == "" {
		return ""
	}
	fileID := cd.SHA256
	bundleOrFile := fileID
	if cd.BundlePath != "" {
		bundleOrFile = cd.BundlePath
	}
	r := strings.NewReplacer(
		"%file_sha%", url.QueryEscape(cd.SHA256),
		"%file_identifier%", url.QueryEscape(fileID),
		"%bundle_or_file_identifier%", url.QueryEscape(bundleOrFile),
		"%username%", url.QueryEscape(f.Username),
		"%machine_id%", url.QueryEscape(f.MachineID),
		"%hostname%", url.QueryEscape(f.Hostname),
	)
	return r.Replace(tmpl)
}
