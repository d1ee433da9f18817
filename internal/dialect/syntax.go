package dialect

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/HDRUK/RDMP-sub001/internal/notify"
)

// SyntaxKind classifies a SyntaxProblem.
type SyntaxKind int

const (
	InvalidAlias SyntaxKind = iota
	UnbalancedWrapping
	UnbalancedQuotes
	UnbalancedParentheses
	ParseFailure
)

func (k SyntaxKind) String() string {
	switch k {
	case InvalidAlias:
		return "invalid alias"
	case UnbalancedWrapping:
		return "unbalanced identifier wrapping"
	case UnbalancedQuotes:
		return "unbalanced quotes"
	case UnbalancedParentheses:
		return "unbalanced parentheses"
	case ParseFailure:
		return "parse failure"
	}
	return "unknown"
}

// SyntaxProblem is a single static finding about a statement or alias.
type SyntaxProblem struct {
	Kind    SyntaxKind
	Message string
}

func (p SyntaxProblem) String() string { return p.Kind.String() + ": " + p.Message }

// ValidateAlias checks a column alias: it must be non-empty, must not contain
// whitespace unless wrapped, and must have balanced delimiters.
func ValidateAlias(h QuerySyntaxHelper, alias string) []SyntaxProblem {
	q := quotingFor(h.Engine())
	a := strings.TrimSpace(alias)
	if a == "" {
		return []SyntaxProblem{{Kind: InvalidAlias, Message: "alias is empty"}}
	}
	if probs := checkBalance(a, q); len(probs) > 0 {
		return probs
	}
	if q.isWrapped(a) {
		return nil
	}
	for _, r := range a {
		if unicode.IsSpace(r) {
			return []SyntaxProblem{{Kind: InvalidAlias, Message: fmt.Sprintf("alias %q contains whitespace and is not wrapped", alias)}}
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return []SyntaxProblem{{Kind: InvalidAlias, Message: fmt.Sprintf("alias %q contains %q", alias, r)}}
		}
	}
	return nil
}

// Report forwards each problem to l as an error event and reports whether the
// input was clean.
func Report(l notify.Listener, source string, probs []SyntaxProblem) bool {
	for _, p := range probs {
		notify.Errorf(l, source, nil, "%s", p)
	}
	return len(probs) == 0
}

func quotingFor(e Engine) quoting {
	switch e {
	case SQLServer:
		return brackets
	case MySQL:
		return backticks
	}
	return doubleQuotes
}

// checkBalance walks sql once, tracking string literals, identifier
// delimiters, comments and parentheses.
func checkBalance(sql string, q quoting) []SyntaxProblem {
	var (
		probs   []SyntaxProblem
		depth   int
		inStr   bool
		inIdent bool
	)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inStr:
			if c == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
					continue
				}
				inStr = false
			}
		case inIdent:
			if strings.HasPrefix(sql[i:], q.close) {
				if strings.HasPrefix(sql[i+len(q.close):], q.close) {
					i += 2*len(q.close) - 1
					continue
				}
				inIdent = false
			}
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			nl := strings.IndexByte(sql[i:], '\n')
			if nl < 0 {
				i = len(sql)
			} else {
				i += nl
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return append(probs, SyntaxProblem{Kind: UnbalancedQuotes, Message: "unterminated block comment"})
			}
			i += end + 3
		case c == '\'':
			inStr = true
		case strings.HasPrefix(sql[i:], q.open):
			inIdent = true
		case q.open != q.close && strings.HasPrefix(sql[i:], q.close):
			probs = append(probs, SyntaxProblem{Kind: UnbalancedWrapping, Message: fmt.Sprintf("unexpected %s at offset %d", q.close, i)})
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				probs = append(probs, SyntaxProblem{Kind: UnbalancedParentheses, Message: fmt.Sprintf("unexpected ) at offset %d", i)})
				depth = 0
			}
		}
	}
	if inStr {
		probs = append(probs, SyntaxProblem{Kind: UnbalancedQuotes, Message: "unterminated string literal"})
	}
	if inIdent {
		probs = append(probs, SyntaxProblem{Kind: UnbalancedWrapping, Message: fmt.Sprintf("unterminated %s identifier", q.open)})
	}
	if depth > 0 {
		probs = append(probs, SyntaxProblem{Kind: UnbalancedParentheses, Message: fmt.Sprintf("%d unclosed (", depth)})
	}
	return probs
}
