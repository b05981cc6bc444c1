package wire

import (
	"reflect"
	"testing"
)

func TestParseEncodeRoundTrip(t *testing.T) {
	messages := []Message{
		{Type: Hello, PlayerID: "alice7"},
		{Type: Coeff, Coeffs: []float64{1, -2.5, 0.0000001}},
		{Type: Put, Point: 15, Value: 0},
		{Type: BadPut, Point: -3, Value: -4.25},
		{Type: State, Values: []float64{0, 3.5, 0}},
		{Type: Penalty, Point: 0, Value: 5},
		{Type: Scoring, Scores: []PlayerScore{{"ann", 38}, {"bob", 12.5}}},
	}
	for _, m := range messages {
		parsed, err := Parse(m.Encode())
		if err != nil {
			t.Fatalf("Parse(%q): %v", m.Encode(), err)
		}
		if parsed.Encode() != m.Encode() {
			t.Errorf("round trip of %s: got %q, want %q", m.Type, parsed.Encode(), m.Encode())
		}
	}
}

func TestParseValidLines(t *testing.T) {
	cases := []struct {
		line string
		want Message
	}{
		{"HELLO bob\r\n", Message{Type: Hello, PlayerID: "bob"}},
		{"COEFF 1 2\r\n", Message{Type: Coeff, Coeffs: []float64{1, 2}}},
		{"COEFF -100 .5 100.\r\n", Message{Type: Coeff, Coeffs: []float64{-100, 0.5, 100}}},
		{"PUT 2 -4.1234567\r\n", Message{Type: Put, Point: 2, Value: -4.1234567}},
		{"BAD_PUT 15 0\r\n", Message{Type: BadPut, Point: 15, Value: 0}},
		{"STATE 0 0 0\r\n", Message{Type: State, Values: []float64{0, 0, 0}}},
		{"PENALTY 3 5\r\n", Message{Type: Penalty, Point: 3, Value: 5}},
		{"SCORING ann 38.0000000 bob 2\r\n", Message{Type: Scoring,
			Scores: []PlayerScore{{"ann", 38}, {"bob", 2}}}},
		{"SCORING\r\n", Message{Type: Scoring, Scores: []PlayerScore{}}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.line)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.line, err)
			continue
		}
		if got.Type != tc.want.Type || got.PlayerID != tc.want.PlayerID ||
			got.Point != tc.want.Point || got.Value != tc.want.Value ||
			!reflect.DeepEqual(got.Coeffs, tc.want.Coeffs) ||
			!reflect.DeepEqual(got.Values, tc.want.Values) ||
			len(got.Scores) != len(tc.want.Scores) {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	lines := []string{
		"",
		"\r\n",
		"PUT 1 2",                        // no CRLF
		"PUT 1 2\n",                      // bare LF
		" PUT 1 2\r\n",                   // leading space
		"PUT 1 2 \r\n",                   // trailing space
		"PUT  1 2\r\n",                   // double space
		"PUT \r\n",                       // command then nothing
		"HELLO\r\n",                      // missing id
		"HELLO a b\r\n",                  // too many params
		"HELLO a_b\r\n",                  // non-alphanumeric id
		"GREET hi\r\n",                   // unknown command
		"PUT 1\r\n",                      // missing value
		"PUT x 2\r\n",                    // non-integer point
		"PUT 1.5 2\r\n",                  // fractional point
		"PUT 2147483648 0\r\n",           // beyond int32
		"PUT 1 2.12345678\r\n",           // 8 fraction digits
		"PUT 1 -\r\n",                    // sign only
		"PUT 1 .\r\n",                    // dot only
		"PUT 1 1e3\r\n",                  // exponent not in grammar
		"COEFF\r\n",                      // no coefficients
		"COEFF 101\r\n",                  // out of range
		"COEFF -100.1\r\n",               // out of range
		"COEFF 1 2 3 4 5 6 7 8 9 10\r\n", // more than N+1 max
		"SCORING ann\r\n",                // odd token count
		"SCORING an_n 3\r\n",             // bad id
		"SCORING ann x\r\n",              // bad score
	}
	for _, line := range lines {
		if m, err := Parse(line); err == nil {
			t.Errorf("Parse(%q) = %+v, want error", line, m)
		}
	}
}

func TestParseIntEdges(t *testing.T) {
	if v, ok := ParseInt("2147483647"); !ok || v != 2147483647 {
		t.Errorf("ParseInt(max int32) = %d, %v", v, ok)
	}
	if v, ok := ParseInt("-2147483648"); !ok || v != -2147483648 {
		t.Errorf("ParseInt(min int32) = %d, %v", v, ok)
	}
	for _, s := range []string{"2147483648", "-2147483649", "", "-", "1x", "0x1", "+1", "1 "} {
		if _, ok := ParseInt(s); ok {
			t.Errorf("ParseInt(%q) succeeded, want failure", s)
		}
	}
	// Redundant leading zeros survive the stoll-style range check.
	if v, ok := ParseInt("007"); !ok || v != 7 {
		t.Errorf("ParseInt(007) = %d, %v, want 7", v, ok)
	}
}

func TestFormatDouble(t *testing.T) {
	cases := map[float64]string{
		0:         "0.0000000",
		38:        "38.0000000",
		-4.25:     "-4.2500000",
		0.0000001: "0.0000001",
	}
	for v, want := range cases {
		if got := FormatDouble(v); got != want {
			t.Errorf("FormatDouble(%v) = %q, want %q", v, got, want)
		}
	}
}

func TestScoringEncodeSortsByID(t *testing.T) {
	m := Message{Type: Scoring, Scores: []PlayerScore{
		{"zed", 1}, {"Ann", 3}, {"ann", 2},
	}}
	want := "SCORING Ann 3.0000000 ann 2.0000000 zed 1.0000000\r\n"
	if got := m.Encode(); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
	// Encoding must not reorder the caller's slice.
	if m.Scores[0].ID != "zed" {
		t.Error("Encode reordered the receiver's scores")
	}
}
