package validation

import (
	"strings"
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ses_0123456789abcdef01234567", true},
		{"pur_aaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"usr_buyer42", true}, // upstream account IDs
		{"12345678-1234-1234-1234-123456789012", true}, // UUID form

		// Invalid cases
		{"0123456789abcdef01234567", false}, // no prefix
		{"toolongprefix_0123456789abcdef01234567", false},
		{"ses_", false},
		{"usr_<script>", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		PositiveInt("units", 0),
		PositiveInt("priceCents", 100),
	)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if errs[0].Field != "buyerId" || errs[1].Field != "units" {
		t.Errorf("unexpected fields: %v", errs)
	}

	if errs := Validate(Required("buyerId", "usr_1")); errs != nil {
		t.Errorf("valid input produced errors: %v", errs)
	}
}

func TestReasonLength(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		valid  bool
	}{
		{"long enough", "the session ended twenty minutes early", true},
		{"exactly at minimum", strings.Repeat("a", MinReasonLength), true},
		{"too short", "bad session", false},
		{"whitespace padding does not count", "   bad session              ", false},
		{"too long", strings.Repeat("a", MaxReasonLength+1), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ReasonLength("reason", tc.reason)()
			if (err == nil) != tc.valid {
				t.Errorf("ReasonLength(%q) error = %v, want valid=%v", tc.reason, err, tc.valid)
			}
		})
	}
}

func TestValidationErrorsError(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("empty error = %q", empty.Error())
	}

	errs := ValidationErrors{{Field: "reason", Message: "must be at least 20 characters"}}
	if got := errs.Error(); got != "reason: must be at least 20 characters" {
		t.Errorf("error = %q", got)
	}
}

func TestNonNegativeInt(t *testing.T) {
	if err := NonNegativeInt("actualMinutes", 0)(); err != nil {
		t.Errorf("zero rejected: %v", err)
	}
	if err := NonNegativeInt("actualMinutes", -1)(); err == nil {
		t.Error("negative accepted")
	}
}
