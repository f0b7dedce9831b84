package search

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/lydakis/cws/internal/protocol"
)

// MaxQueryLength bounds the query string.
const MaxQueryLength = 1024

// errMatchTimeout marks a regex evaluation that ran past its budget.
var errMatchTimeout = errors.New("regex evaluation exceeded the time budget")

// matcher finds the first match in a line and returns its 1-based
// character column, or 0 when the line does not match.
type matcher interface {
	find(line string) (int, error)
}

// literal is a case-sensitive substring match.
type literal struct {
	needle string
}

func (m literal) find(line string) (int, error) {
	i := strings.Index(line, m.needle)
	if i < 0 {
		return 0, nil
	}
	return utf8.RuneCountInString(line[:i]) + 1, nil
}

// pattern evaluates a regexp2 expression with a per-call timeout.
type pattern struct {
	re *regexp2.Regexp
}

func (m pattern) find(line string) (int, error) {
	match, err := m.re.FindStringMatch(line)
	if err != nil {
		return 0, errMatchTimeout
	}
	if match == nil {
		return 0, nil
	}
	// regexp2 indexes runes, not bytes.
	return match.Index + 1, nil
}

// compile builds the matcher for a query. Regex mode uses ECMAScript
// syntax. Case-insensitive literal queries go through regexp2 too so
// folding follows the same rules.
func compile(query string, regex, caseSensitive bool, timeout time.Duration) (matcher, error) {
	if query == "" {
		return nil, protocol.NewError(protocol.InvalidParams, "query must not be empty")
	}
	if len(query) > MaxQueryLength {
		return nil, protocol.NewError(protocol.InvalidParams, "query is %d bytes, limit is %d", len(query), MaxQueryLength).
			WithData("limit", MaxQueryLength)
	}
	if !regex && caseSensitive {
		return literal{needle: query}, nil
	}

	expr := query
	if !regex {
		expr = regexp2.Escape(query)
	}
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	if !caseSensitive {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, protocol.NewError(protocol.InvalidParams, "invalid regular expression: %v", err).
			WithData("query", query)
	}
	re.MatchTimeout = timeout
	return pattern{re: re}, nil
}
