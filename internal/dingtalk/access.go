package dingtalk

import (
	"regexp"
	"strings"
)

var allowPrefixRe = regexp.MustCompile(`(?i)^(dingtalk|dd|ding):`)

// AllowList is a normalized allowFrom list: entries trimmed, channel
// prefixes stripped, lowercased for case-insensitive matching.
type AllowList struct {
	entries      []string
	entriesLower []string
	hasWildcard  bool
	hasEntries   bool
}

// NormalizeAllowFrom builds an AllowList from raw config entries. A bare
// "*" entry admits every sender.
func NormalizeAllowFrom(list []string) AllowList {
	var a AllowList
	for _, raw := range list {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		a.hasEntries = true
		if entry == "*" {
			a.hasWildcard = true
			continue
		}
		entry = allowPrefixRe.ReplaceAllString(entry, "")
		a.entries = append(a.entries, entry)
		a.entriesLower = append(a.entriesLower, strings.ToLower(entry))
	}
	return a
}

// Entries returns the normalized non-wildcard entries.
func (a AllowList) Entries() []string {
	return a.entries
}

// AllowsSender reports whether a sender passes the list. An empty list
// allows everyone.
func (a AllowList) AllowsSender(senderID string) bool {
	if !a.hasEntries {
		return true
	}
	if a.hasWildcard {
		return true
	}
	return senderID != "" && a.contains(senderID)
}

// AllowsGroup reports whether a group id is explicitly listed. Unlike
// sender checks there is no empty-list default.
func (a AllowList) AllowsGroup(groupID string) bool {
	return groupID != "" && a.contains(groupID)
}

func (a AllowList) contains(id string) bool {
	lower := strings.ToLower(id)
	for _, entry := range a.entriesLower {
		if entry == lower {
			return true
		}
	}
	return false
}
