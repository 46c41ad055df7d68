package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/aggregator/errors"
)

// Parser turns raw query text into a Query.
type Parser interface {
	Parse(raw string) (Query, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw string) (Query, error)

func (f ParserFunc) Parse(raw string) (Query, error) { return f(raw) }

var (
	// FROM NAMED WINDOW :w1 ON STREAM <http://pod/stream/> [RANGE 10000 STEP 2000]
	windowClause = regexp.MustCompile(`(?i)FROM\s+NAMED\s+WINDOW\s+(\S+)\s+ON\s+STREAM\s+<([^>]+)>\s*\[\s*RANGE\s+(\S+)\s+STEP\s+(\S+?)\s*\]`)
	whereClause  = regexp.MustCompile(`(?i)\bWHERE\b`)
)

// RSPQLParser extracts stream windows from RSP-QL queries. It validates only
// what fingerprinting and execution need; the engine owns full semantics.
type RSPQLParser struct{}

// Parse implements Parser.
func (RSPQLParser) Parse(raw string) (Query, error) {
	if strings.TrimSpace(raw) == "" {
		return Query{}, errors.NewMalformedQueryError(errors.New("empty query"), raw)
	}

	matches := windowClause.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return Query{}, errors.NewMalformedQueryError(
			errors.WithHint(errors.New("no window clause"),
				"expected FROM NAMED WINDOW <name> ON STREAM <url> [RANGE <ms> STEP <ms>]"),
			raw)
	}
	if !whereClause.MatchString(raw) {
		return Query{}, errors.NewMalformedQueryError(errors.New("missing WHERE clause"), raw)
	}

	streams := make([]Stream, 0, len(matches))
	for _, m := range matches {
		width, err := parseWindowLength(m[3])
		if err != nil {
			return Query{}, errors.NewMalformedQueryError(errors.Wrapf(err, "RANGE of window %s", m[1]), raw)
		}
		slide, err := parseWindowLength(m[4])
		if err != nil {
			return Query{}, errors.NewMalformedQueryError(errors.Wrapf(err, "STEP of window %s", m[1]), raw)
		}
		if width <= 0 || slide <= 0 {
			return Query{}, errors.NewMalformedQueryError(
				errors.Newf("window %s must have positive RANGE and STEP", m[1]), raw)
		}
		streams = append(streams, Stream{
			Name:   m[1],
			URL:    m[2],
			Window: Window{Width: width, Slide: slide},
		})
	}

	return New(raw, streams[0].Window, streams...), nil
}

// parseWindowLength accepts milliseconds ("10000") or a Go duration ("10s").
func parseWindowLength(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(strings.ToLower(s))
	if err != nil {
		return 0, errors.Newf("invalid window length %q", s)
	}
	return d, nil
}
