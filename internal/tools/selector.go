package tools

import "strings"

// groupKeywords gates the optional tool groups. A group turns on when
// any of its keywords appears in the message. Keywords of three
// characters or fewer only match whole words so "ac" never fires on
// "back porch".
var groupKeywords = map[string][]string{
	GroupLocks:      {"lock", "unlock", "locked", "deadbolt", "door", "secure"},
	GroupClimate:    {"temperature", "thermostat", "climate", "degrees", "heat", "cool", "warm", "cold", "ac", "hvac"},
	GroupAutomation: {"automation", "automate", "routine", "scene", "trigger", "schedule", "whenever", "every time"},
	GroupAdvanced:   {"service", "cover", "blind", "curtain", "shade", "garage", "vacuum", "media", "volume", "fan"},
}

// SelectGroups chooses the tool groups for a message. The core and
// alias groups are always available; the rest switch on by keyword.
// When no keyword group fires the query tools come along as the
// default palette, so open-ended questions can still look things up.
func SelectGroups(message string) map[string]bool {
	groups := map[string]bool{
		GroupCore:    true,
		GroupAliases: true,
	}

	lower := strings.ToLower(message)
	words := fieldWords(lower)

	matched := false
	for group, keywords := range groupKeywords {
		for _, kw := range keywords {
			if matchKeyword(lower, words, kw) {
				groups[group] = true
				matched = true
				break
			}
		}
	}
	if !matched {
		groups[GroupQuery] = true
	}
	return groups
}

func matchKeyword(lower string, words map[string]bool, kw string) bool {
	if len(kw) <= 3 {
		return words[kw]
	}
	return strings.Contains(lower, kw)
}

// fieldWords splits a lowercased message into words, trimming the
// punctuation that chat messages accumulate.
func fieldWords(lower string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if w != "" {
			words[w] = true
		}
	}
	return words
}
