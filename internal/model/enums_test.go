package model

import (
	"errors"
	"testing"
)

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    RiskLevel
		wantErr bool
	}{
		{"CONSERVATIVE", RiskConservative, false},
		{"moderate", RiskModerate, false},
		{" Aggressive ", RiskAggressive, false},
		{"EXTREME", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRiskLevel(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRiskLevel) {
				t.Errorf("ParseRiskLevel(%q): expected ErrInvalidRiskLevel, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRiskLevel(%q): unexpected error %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseRiskLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories() {
		got, err := ParseCategory(string(c))
		if err != nil || got != c {
			t.Errorf("ParseCategory(%s) = %s, %v", c, got, err)
		}
	}

	if _, err := ParseCategory("CRYPTO"); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestEnumListsAreValid(t *testing.T) {
	for _, r := range RiskLevels() {
		if !r.Valid() {
			t.Errorf("risk level %s should be valid", r)
		}
	}
	if RiskLevel("nope").Valid() {
		t.Error("unknown risk level should be invalid")
	}
	if Category("nope").Valid() {
		t.Error("unknown category should be invalid")
	}
}
