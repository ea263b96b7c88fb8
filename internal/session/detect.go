package session

import "regexp"

// loginPromptPattern matches the external contract in spec §4.5: a
// case-insensitive match of any of these substrings within a line or the
// partial buffer feeds state=AWAITING_LOGIN.
var loginPromptPattern = regexp.MustCompile(`(?i)\[input\]|name:|login:|password:|senha:`)

// confirmPromptPattern matches the external "are you sure" contract used to
// emit a confirm UX hint on the peer (spec §4.5). Optional surrounding
// brackets are tolerated.
var confirmPromptPattern = regexp.MustCompile(`(?i)^\[?are you sure you'd like to do this\?\]?$|enter "yes" or "no"`)

func looksLikeLoginPrompt(s string) bool {
	return loginPromptPattern.MatchString(s)
}

func looksLikeConfirmPrompt(s string) bool {
	return confirmPromptPattern.MatchString(s)
}
