package main

import (
	"testing"
	"unicode/utf8"
)

func TestInitialsFor(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Ada", "A"},
		{"ada", "A"},
		{"Ólafur", "Ó"},
		{"李明", "李"},
		{"", ""},
	}

	for _, tt := range tests {
		got := initialsFor(tt.name)
		if got != tt.want {
			t.Errorf("initialsFor(%q) = %q, want %q", tt.name, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("initialsFor(%q) produced invalid UTF-8", tt.name)
		}
	}
}
