// Package ident extracts the monitored user identifier from a message.
//
// Registration bots post one embed per applicant. The identifier is either a
// field whose name mentions "discord" or a "Discord: <value>" line in the
// description. Extraction is best effort: anything that does not match
// yields no identifier, never an error.
package ident

import (
	"strings"
	"unicode"

	"github.com/hazyhaar/dupwatch/channels"
)

const (
	fieldKeyword = "discord"
	linePrefix   = "discord:"
	boldMarker   = "**"
)

// Extract returns the identifier carried by msg, scanning embeds in order.
// The first embed that yields a non-empty value wins.
func Extract(msg channels.Message) (string, bool) {
	for _, e := range msg.Embeds {
		if v, ok := FromEmbed(e); ok {
			return v, true
		}
	}
	return "", false
}

// FromEmbed applies the field rule, then the description rule, to one embed.
// A matching field settles the embed even when its value is blank.
func FromEmbed(e channels.Embed) (string, bool) {
	if v, matched := fromFields(e.Fields); matched {
		return v, v != ""
	}
	return fromDescription(e.Description)
}

// fromFields returns the trimmed value of the first field whose cleaned name
// contains the keyword. The value keeps its markup.
func fromFields(fields []channels.EmbedField) (value string, matched bool) {
	for _, f := range fields {
		name := strings.ToLower(trim(stripBold(f.Name)))
		if strings.Contains(name, fieldKeyword) {
			return trim(f.Value), true
		}
	}
	return "", false
}

func fromDescription(desc string) (string, bool) {
	if desc == "" {
		return "", false
	}
	for _, line := range strings.Split(desc, "\n") {
		line = trim(stripBold(line))
		if !strings.HasPrefix(strings.ToLower(line), linePrefix) {
			continue
		}
		_, rest, _ := strings.Cut(line, ":")
		v := trim(rest)
		return v, v != ""
	}
	return "", false
}

// trim strips surrounding white space, including a byte order mark.
func trim(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	})
}

func stripBold(s string) string {
	return strings.ReplaceAll(s, boldMarker, "")
}

// Normalize folds an identifier to the form used as a membership key.
func Normalize(id string) string {
	return strings.ToLower(id)
}
