// Package query holds the immutable representation of a submitted continuous
// query and the fingerprint that identifies it.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DomainQuery separates query fingerprints from any other SHA-256 use.
// The version suffix allows migrating the algorithm later.
const DomainQuery = "aggregator/query/v1"

// Fingerprint identifies a query by its normalized text and window.
// Two different texts never share a fingerprint in practice; two equivalent
// texts usually do not either, which is why the registry consults an oracle.
type Fingerprint string

// Short returns the first 8 hex characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}

func (f Fingerprint) String() string { return string(f) }

// Window is the time window a continuous query aggregates over.
type Window struct {
	Width time.Duration `json:"width"`
	Slide time.Duration `json:"slide"`
}

// IsZero reports whether no window was given.
func (w Window) IsZero() bool { return w.Width == 0 && w.Slide == 0 }

// Stream is one input stream named by the query.
type Stream struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Window Window `json:"window"`
}

// Query is a submitted query. It is never mutated after New.
type Query struct {
	Raw         string      `json:"raw"`
	Normalized  string      `json:"normalized"`
	Window      Window      `json:"window"`
	Streams     []Stream    `json:"streams,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// New builds a Query from raw text and its primary window, computing the
// fingerprint once.
func New(raw string, window Window, streams ...Stream) Query {
	normalized := Normalize(raw)
	return Query{
		Raw:         raw,
		Normalized:  normalized,
		Window:      window,
		Streams:     streams,
		Fingerprint: ComputeFingerprint(normalized, window),
	}
}

// Normalize applies NFC and collapses every whitespace run to one space.
// It does not reorder or rename anything; that is the oracle's job.
func Normalize(raw string) string {
	s := norm.NFC.String(raw)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// ComputeFingerprint hashes normalized text and window with domain separation.
// Format: SHA256(domain 0x00 text 0x00 width_ms 0x00 slide_ms)
func ComputeFingerprint(normalized string, window Window) Fingerprint {
	h := sha256.New()
	h.Write([]byte(DomainQuery))
	h.Write([]byte{0x00})
	h.Write([]byte(normalized))
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.FormatInt(window.Width.Milliseconds(), 10)))
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.FormatInt(window.Slide.Milliseconds(), 10)))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Range returns the absolute [from, to] interval the window covers when the
// query is evaluated at now.
func (q Query) Range(now time.Time) (from, to time.Time) {
	return now.Add(-q.Window.Width), now
}
