package session

import "testing"

func TestLooksLikeLoginPrompt(t *testing.T) {
	cases := map[string]bool{
		"Password:":                  true,
		"login: ":                    true,
		"[INPUT]":                    true,
		"Por favor, entre sua Senha:": true,
		"You see a goblin.":          false,
	}
	for in, want := range cases {
		if got := looksLikeLoginPrompt(in); got != want {
			t.Errorf("looksLikeLoginPrompt(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLooksLikeConfirmPrompt(t *testing.T) {
	cases := map[string]bool{
		"Are you sure you'd like to do this?":   true,
		"[Are you sure you'd like to do this?]": true,
		`Enter "yes" or "no"`:                   true,
		"look":                                  false,
	}
	for in, want := range cases {
		if got := looksLikeConfirmPrompt(in); got != want {
			t.Errorf("looksLikeConfirmPrompt(%q) = %v, want %v", in, got, want)
		}
	}
}
