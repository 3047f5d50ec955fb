package mpesa_test

import (
	"testing"

	"github.com/warp/advance-engine/mpesa"
)

func TestFormatPhoneNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "+254712345678"},
		{"0712 345 678", "+254712345678"},
		{"+254712345678", "+254712345678"},
		{"254712345678", "+254712345678"},
		{"712345678", "+254712345678"},
		{"(0712) 345-678", "+254712345678"},
	}
	for _, c := range cases {
		if got := mpesa.FormatPhoneNumber(c.in, "254"); got != c.want {
			t.Errorf("FormatPhoneNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatPhoneNumber_OtherCountryCode(t *testing.T) {
	if got := mpesa.FormatPhoneNumber("0781234567", "255"); got != "+255781234567" {
		t.Errorf("got %q", got)
	}
}
