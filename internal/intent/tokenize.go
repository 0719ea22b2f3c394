package intent

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/baitchat/internal/binder"
)

// punctuation that always stands alone as a token.
var separators = strings.NewReplacer(
	"[", " [ ", "]", " ] ",
	"(", " ( ", ")", " ) ",
	",", " , ", "=", " = ", ":", " : ", ";", " ; ",
)

var (
	numberRe   = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:e[+-]?\d+)?$`)
	quantityRe = regexp.MustCompile(`^([+-]?(?:\d+\.?\d*|\.\d+)(?:e[+-]?\d+)?)([a-z]+)$`)
)

// Normalize prepares operator text for matching: NFC, lower case, micro
// signs spelled "u", trailing sentence punctuation dropped.
func Normalize(text string) string {
	s := strings.ToLower(norm.NFC.String(text))
	s = strings.NewReplacer("µ", "u", "μ", "u", "°", " deg").Replace(s)
	s = strings.TrimSpace(s)
	return strings.TrimRight(s, ".!?")
}

// Tokenize splits normalized text into words, numbers and single-character
// separators.
func Tokenize(text string) []string {
	s := separators.Replace(Normalize(text))
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		// "0.5," "5." and friends: sentence punctuation glued to a word.
		f = strings.TrimRight(f, ".!?")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// isNumber reports a bare number token such as "5", "-2.5" or "1e-3".
func isNumber(tok string) bool {
	return numberRe.MatchString(tok)
}

// isQuantity reports a number with a unit glued on, such as "5mm".
func isQuantity(tok string) bool {
	m := quantityRe.FindStringSubmatch(tok)
	return m != nil && binder.KnownUnit(m[2])
}

// isIdentifier reports a snake_case token such as "motor_z".
var identifierRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)+$`)

func isIdentifier(tok string) bool {
	return identifierRe.MatchString(tok)
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "with": true, "using": true,
	"via": true, "on": true, "at": true, "from": true, "to": true, "in": true,
	"of": true, "for": true, "by": true, "then": true, "please": true, "is": true,
}
