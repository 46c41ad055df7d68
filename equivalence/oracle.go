// Package equivalence decides whether two continuous queries compute the
// same thing.
package equivalence

import "context"

// Oracle answers whether two query texts are semantically equivalent.
// Implementations must be symmetric and deterministic for identical inputs.
// An error means "could not decide"; callers must not read it as either answer.
type Oracle interface {
	Equivalent(ctx context.Context, a, b string) (bool, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, a, b string) (bool, error)

func (f OracleFunc) Equivalent(ctx context.Context, a, b string) (bool, error) {
	return f(ctx, a, b)
}
