package wire

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Game limits shared by server and client.
const (
	MaxK = 10000
	MaxN = 8
	MaxM = 12341234

	MinCoeff = -100.0
	MaxCoeff = 100.0

	MinPutValue = -5.0
	MaxPutValue = 5.0

	// Eps pads every range comparison on doubles.
	Eps = 3e-8
)

// CRLF terminates every protocol line.
const CRLF = "\r\n"

// Type enumerates the protocol commands.
type Type int

const (
	Hello Type = iota
	Coeff
	Put
	BadPut
	State
	Penalty
	Scoring
)

func (t Type) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case Coeff:
		return "COEFF"
	case Put:
		return "PUT"
	case BadPut:
		return "BAD_PUT"
	case State:
		return "STATE"
	case Penalty:
		return "PENALTY"
	case Scoring:
		return "SCORING"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// PlayerScore is one (id, score) entry of a SCORING message.
type PlayerScore struct {
	ID    string
	Score float64
}

// Message is one protocol line as a closed sum: only the fields belonging to
// its Type are meaningful. PlayerID for HELLO; Coeffs for COEFF; Point and
// Value for PUT, BAD_PUT and PENALTY; Values for STATE; Scores for SCORING.
type Message struct {
	Type     Type
	PlayerID string
	Coeffs   []float64
	Point    int
	Value    float64
	Values   []float64
	Scores   []PlayerScore
}

var paramsPattern = regexp.MustCompile(`^([a-zA-Z0-9.\-]+ )*[a-zA-Z0-9.\-]+$`)

// SplitParams splits a parameter string into tokens, rejecting any character
// outside [A-Za-z0-9.-] and any irregular spacing.
func SplitParams(params string) ([]string, error) {
	if params == "" {
		return nil, nil
	}
	if !paramsPattern.MatchString(params) {
		return nil, fmt.Errorf("invalid parameter string %q", params)
	}
	return strings.Split(params, " "), nil
}

func splitCommand(body string) (command, params string, err error) {
	if body == "" {
		return "", "", fmt.Errorf("empty line")
	}
	space := strings.IndexByte(body, ' ')
	switch {
	case space < 0:
		return body, "", nil
	case space == 0:
		return "", "", fmt.Errorf("line starts with a space")
	case space == len(body)-1:
		return "", "", fmt.Errorf("nothing after the command")
	}
	return body[:space], body[space+1:], nil
}

// Parse parses one CRLF-terminated protocol line into a Message.
func Parse(line string) (Message, error) {
	if !strings.HasSuffix(line, CRLF) {
		return Message{}, fmt.Errorf("line does not end with CRLF")
	}
	body := strings.TrimSuffix(line, CRLF)
	command, rawParams, err := splitCommand(body)
	if err != nil {
		return Message{}, err
	}
	params, err := SplitParams(rawParams)
	if err != nil {
		return Message{}, err
	}

	switch command {
	case "HELLO":
		if len(params) != 1 || !IsAlphanumeric(params[0]) {
			return Message{}, fmt.Errorf("HELLO needs one alphanumeric id")
		}
		return Message{Type: Hello, PlayerID: params[0]}, nil
	case "COEFF":
		coeffs, err := parseDoubles(params, MaxN+1)
		if err != nil {
			return Message{}, fmt.Errorf("COEFF: %w", err)
		}
		for _, c := range coeffs {
			if c+Eps < MinCoeff || c-Eps > MaxCoeff {
				return Message{}, fmt.Errorf("COEFF: coefficient %s out of range", FormatDouble(c))
			}
		}
		return Message{Type: Coeff, Coeffs: coeffs}, nil
	case "PUT", "BAD_PUT", "PENALTY":
		point, value, err := parseIntDoublePair(params)
		if err != nil {
			return Message{}, fmt.Errorf("%s: %w", command, err)
		}
		t := map[string]Type{"PUT": Put, "BAD_PUT": BadPut, "PENALTY": Penalty}[command]
		return Message{Type: t, Point: point, Value: value}, nil
	case "STATE":
		values, err := parseDoubles(params, MaxK+1)
		if err != nil {
			return Message{}, fmt.Errorf("STATE: %w", err)
		}
		return Message{Type: State, Values: values}, nil
	case "SCORING":
		if len(params)%2 != 0 {
			return Message{}, fmt.Errorf("SCORING needs an even number of tokens")
		}
		scores := make([]PlayerScore, 0, len(params)/2)
		for i := 0; i < len(params); i += 2 {
			if !IsAlphanumeric(params[i]) {
				return Message{}, fmt.Errorf("SCORING: id %q is not alphanumeric", params[i])
			}
			score, ok := ParseDouble(params[i+1])
			if !ok {
				return Message{}, fmt.Errorf("SCORING: %q is not a double", params[i+1])
			}
			scores = append(scores, PlayerScore{ID: params[i], Score: score})
		}
		return Message{Type: Scoring, Scores: scores}, nil
	}
	return Message{}, fmt.Errorf("unknown command %q", command)
}

func parseDoubles(params []string, max int) ([]float64, error) {
	if len(params) < 1 || len(params) > max {
		return nil, fmt.Errorf("got %d values, want 1..%d", len(params), max)
	}
	values := make([]float64, 0, len(params))
	for _, p := range params {
		v, ok := ParseDouble(p)
		if !ok {
			return nil, fmt.Errorf("%q is not a double", p)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseIntDoublePair(params []string) (int, float64, error) {
	if len(params) != 2 {
		return 0, 0, fmt.Errorf("got %d parameters, want 2", len(params))
	}
	point, ok := ParseInt(params[0])
	if !ok {
		return 0, 0, fmt.Errorf("%q is not an integer", params[0])
	}
	value, ok := ParseDouble(params[1])
	if !ok {
		return 0, 0, fmt.Errorf("%q is not a double", params[1])
	}
	return point, value, nil
}

// Encode renders m as a CRLF-terminated protocol line. SCORING entries are
// emitted sorted by player id.
func (m Message) Encode() string {
	var b strings.Builder
	switch m.Type {
	case Hello:
		b.WriteString("HELLO ")
		b.WriteString(m.PlayerID)
	case Coeff:
		b.WriteString("COEFF")
		writeDoubles(&b, m.Coeffs)
	case Put, BadPut, Penalty:
		b.WriteString(m.Type.String())
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(m.Point))
		b.WriteByte(' ')
		b.WriteString(FormatDouble(m.Value))
	case State:
		b.WriteString("STATE")
		writeDoubles(&b, m.Values)
	case Scoring:
		b.WriteString("SCORING")
		scores := slices.Clone(m.Scores)
		slices.SortFunc(scores, func(a, c PlayerScore) int {
			if r := strings.Compare(a.ID, c.ID); r != 0 {
				return r
			}
			switch {
			case a.Score < c.Score:
				return -1
			case a.Score > c.Score:
				return 1
			}
			return 0
		})
		for _, s := range scores {
			b.WriteByte(' ')
			b.WriteString(s.ID)
			b.WriteByte(' ')
			b.WriteString(FormatDouble(s.Score))
		}
	}
	b.WriteString(CRLF)
	return b.String()
}

// Body returns the encoded line without its CRLF, for log lines.
func (m Message) Body() string {
	return strings.TrimSuffix(m.Encode(), CRLF)
}

func writeDoubles(b *strings.Builder, values []float64) {
	for _, v := range values {
		b.WriteByte(' ')
		b.WriteString(FormatDouble(v))
	}
}
