package equivalence

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/teranos/aggregator/errors"
)

// keywords are matched case-insensitively and emitted upper case.
var keywords = map[string]bool{
	"PREFIX": true, "BASE": true, "REGISTER": true, "RSTREAM": true, "ISTREAM": true, "DSTREAM": true,
	"AS": true, "SELECT": true, "CONSTRUCT": true, "ASK": true, "DISTINCT": true, "REDUCED": true,
	"FROM": true, "NAMED": true, "WINDOW": true, "ON": true, "STREAM": true, "RANGE": true, "STEP": true,
	"WHERE": true, "FILTER": true, "OPTIONAL": true, "UNION": true, "MINUS": true, "BIND": true, "VALUES": true,
	"GROUP": true, "BY": true, "HAVING": true, "ORDER": true, "ASC": true, "DESC": true, "LIMIT": true, "OFFSET": true,
	"AVG": true, "MIN": true, "MAX": true, "SUM": true, "COUNT": true, "SAMPLE": true, "GROUP_CONCAT": true,
	"A": true, "TRUE": true, "FALSE": true,
}

// StructuralOracle treats two queries as equivalent when they are identical
// after canonicalization:
//   - keywords upper-cased, whitespace ignored
//   - variables renamed by order of first appearance, except projected and
//     aliased ones (SELECT ?x, AS ?x), whose names are part of the result
//   - window names renamed by order of first appearance
//   - PREFIX declarations sorted
//
// It is incomplete: reordered triple patterns are still considered different.
type StructuralOracle struct{}

// Equivalent implements Oracle.
func (StructuralOracle) Equivalent(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(err, "equivalence check cancelled")
	}

	ca, err := Canonical(a)
	if err != nil {
		return false, errors.Wrap(err, "canonicalize left query")
	}
	cb, err := Canonical(b)
	if err != nil {
		return false, errors.Wrap(err, "canonicalize right query")
	}
	return ca == cb, nil
}

// Canonical returns the canonical token string of a query.
func Canonical(raw string) (string, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return "", err
	}
	if err := checkBalanced(tokens); err != nil {
		return "", err
	}

	prefixes, body := splitPrefixes(tokens)
	keep, keepAll := projected(body)

	vars := map[string]string{}
	windows := map[string]string{}
	out := make([]string, 0, len(body))
	for i, tok := range body {
		switch {
		case tok[0] == '?' || tok[0] == '$':
			name := tok[1:]
			if keepAll || keep[name] {
				out = append(out, "?"+name)
				continue
			}
			// '#' cannot occur in a variable name, so renamed variables never
			// collide with kept ones.
			if _, ok := vars[name]; !ok {
				vars[name] = "?#" + strconv.Itoa(len(vars))
			}
			out = append(out, vars[name])

		case i > 0 && out[len(out)-1] == "WINDOW" && isName(tok):
			if _, ok := windows[tok]; !ok {
				windows[tok] = ":w" + strconv.Itoa(len(windows))
			}
			out = append(out, windows[tok])

		case keywords[strings.ToUpper(tok)] && isWord(tok):
			out = append(out, strings.ToUpper(tok))

		default:
			out = append(out, tok)
		}
	}

	sort.Strings(prefixes)
	return strings.Join(append(prefixes, out...), " "), nil
}

// projected returns the variables a SELECT exposes in its results: those
// listed at the top level of the projection and every AS alias. keepAll is
// set for SELECT *.
func projected(tokens []string) (keep map[string]bool, keepAll bool) {
	keep = map[string]bool{}
	start := -1
	for i, tok := range tokens {
		if strings.EqualFold(tok, "SELECT") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return keep, false
	}

	depth := 0
	for i := start; i < len(tokens); i++ {
		tok := tokens[i]
		upper := strings.ToUpper(tok)
		if depth == 0 && (upper == "FROM" || upper == "WHERE" || tok == "{") {
			break
		}
		switch {
		case tok == "(":
			depth++
		case tok == ")":
			depth--
		case tok == "*" && depth == 0:
			keepAll = true
		case tok[0] == '?' || tok[0] == '$':
			if depth == 0 || strings.EqualFold(tokens[i-1], "AS") {
				keep[tok[1:]] = true
			}
		}
	}
	return keep, keepAll
}

// splitPrefixes pulls "PREFIX name: <iri>" declarations out of the token stream.
func splitPrefixes(tokens []string) (prefixes []string, rest []string) {
	for i := 0; i < len(tokens); i++ {
		if strings.EqualFold(tokens[i], "PREFIX") && i+2 < len(tokens) {
			prefixes = append(prefixes, "PREFIX "+tokens[i+1]+" "+tokens[i+2])
			i += 2
			continue
		}
		rest = append(rest, tokens[i])
	}
	return prefixes, rest
}

func isWord(tok string) bool {
	for _, r := range tok {
		if !unicode.IsLetter(r) && r != '_' {
			return false
		}
	}
	return true
}

// isName matches prefixed names such as :w1 or ex:win.
func isName(tok string) bool {
	return strings.Contains(tok, ":") && tok[0] != '<' && tok[0] != '"'
}

const punctuation = "{}()[].,;*=<>!+/|&^"

// tokenize splits a query into IRIs, literals, variables, punctuation and words.
func tokenize(raw string) ([]string, error) {
	var tokens []string
	runes := []rune(raw)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '#':
			// comment to end of line
			for i < len(runes) && runes[i] != '\n' {
				i++
			}

		case r == '<' && looksLikeIRI(runes, i):
			j := i + 1
			for j < len(runes) && runes[j] != '>' {
				j++
			}
			tokens = append(tokens, string(runes[i:j+1]))
			i = j + 1

		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(runes) {
				return nil, errors.Newf("unterminated string literal at offset %d", i)
			}
			j++
			// datatype or language tag stays attached
			for j < len(runes) && !unicode.IsSpace(runes[j]) && !strings.ContainsRune("{}().,;", runes[j]) {
				if runes[j] == '<' {
					for j < len(runes) && runes[j] != '>' {
						j++
					}
				}
				j++
			}
			if j > len(runes) {
				j = len(runes)
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j

		case strings.ContainsRune(punctuation, r):
			tokens = append(tokens, string(r))
			i++

		default:
			j := i
			for j < len(runes) && !unicode.IsSpace(runes[j]) && !strings.ContainsRune(punctuation, runes[j]) &&
				runes[j] != '"' && runes[j] != '\'' {
				j++
			}
			// a trailing '.' ends a triple, it does not belong to the name
			tokens = append(tokens, string(runes[i:j]))
			i = j
		}
	}
	return tokens, nil
}

// looksLikeIRI distinguishes <iri> from the less-than operator.
func looksLikeIRI(runes []rune, i int) bool {
	for j := i + 1; j < len(runes); j++ {
		switch {
		case runes[j] == '>':
			return j > i+1
		case unicode.IsSpace(runes[j]):
			return false
		}
	}
	return false
}

func checkBalanced(tokens []string) error {
	pairs := map[string]string{"}": "{", ")": "(", "]": "["}
	var stack []string
	for _, tok := range tokens {
		switch tok {
		case "{", "(", "[":
			stack = append(stack, tok)
		case "}", ")", "]":
			if len(stack) == 0 || stack[len(stack)-1] != pairs[tok] {
				return errors.Newf("unbalanced %q", tok)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return errors.Newf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}
