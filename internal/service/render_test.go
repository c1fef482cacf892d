package service

import "testing"

func TestRender(t *testing.T) {
	fields := Fields{
		FieldCourseName:  "Go Fundamentals",
		FieldTokenNumber: "3",
		"secret":         "leaked",
	}
	tests := []struct {
		tpl  string
		want string
	}{
		{"Welcome to {coursename}", "Welcome to Go Fundamentals"},
		{"Welcome to {$a->coursename}", "Welcome to Go Fundamentals"},
		{"{tokennumber} of {tokennumber}", "3 of 3"},
		{"{secret} stays", "{secret} stays"},
		{"{profileurl} has no value", "{profileurl} has no value"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := Render(tt.tpl, fields); got != tt.want {
			t.Errorf("Render(%q) = %q, expected %q", tt.tpl, got, tt.want)
		}
	}
	if got := Render("{coursename}", nil); got != "{coursename}" {
		t.Errorf("Render with no fields = %q", got)
	}
}
