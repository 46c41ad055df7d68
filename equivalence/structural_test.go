package equivalence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const avgQuery = `PREFIX saref: <https://saref.etsi.org/core/>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
REGISTER RStream <output> AS
SELECT (AVG(?v) AS ?avgValue)
FROM NAMED WINDOW :w1 ON STREAM <http://localhost:3000/p6/skt/> [RANGE 600000 STEP 20000]
WHERE {
    WINDOW :w1 { ?s saref:hasValue ?v . }
}`

func TestStructuralOracle(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{
			name: "identical",
			a:    avgQuery, b: avgQuery,
			want: true,
		},
		{
			name: "whitespace and keyword case",
			a:    avgQuery,
			b: `prefix saref: <https://saref.etsi.org/core/> prefix xsd: <http://www.w3.org/2001/XMLSchema#>
register rstream <output> as select (avg(?v) as ?avgValue)
from named window :w1 on stream <http://localhost:3000/p6/skt/> [range 600000 step 20000]
where { window :w1 { ?s saref:hasValue ?v . } }`,
			want: true,
		},
		{
			name: "renamed body variables and window",
			a:    avgQuery,
			b: `PREFIX saref: <https://saref.etsi.org/core/>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
REGISTER RStream <output> AS
SELECT (AVG(?value) AS ?avgValue)
FROM NAMED WINDOW :win ON STREAM <http://localhost:3000/p6/skt/> [RANGE 600000 STEP 20000]
WHERE { WINDOW :win { ?sensor saref:hasValue ?value . } }`,
			want: true,
		},
		{
			name: "renamed alias",
			a:    avgQuery,
			b: `PREFIX saref: <https://saref.etsi.org/core/>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
REGISTER RStream <output> AS
SELECT (AVG(?v) AS ?mean)
FROM NAMED WINDOW :w1 ON STREAM <http://localhost:3000/p6/skt/> [RANGE 600000 STEP 20000]
WHERE { WINDOW :w1 { ?s saref:hasValue ?v . } }`,
			want: false,
		},
		{
			name: "projection swapped",
			a:    "SELECT ?s ?o WHERE { ?s <http://x/p> ?o }",
			b:    "SELECT ?o ?s WHERE { ?o <http://x/p> ?s }",
			want: false,
		},
		{
			name: "projected names kept",
			a:    "SELECT ?s WHERE { ?s <http://x/p> ?o . ?o <http://x/q> ?x }",
			b:    "SELECT $s WHERE { ?s <http://x/p> ?y . ?y <http://x/q> ?z }",
			want: true,
		},
		{
			name: "select star",
			a:    "SELECT * WHERE { ?s <http://x/p> ?o }",
			b:    "SELECT * WHERE { ?a <http://x/p> ?b }",
			want: false,
		},
		{
			name: "prefix order",
			a:    avgQuery,
			b: `PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
PREFIX saref: <https://saref.etsi.org/core/>
REGISTER RStream <output> AS
SELECT (AVG(?v) AS ?avgValue)
FROM NAMED WINDOW :w1 ON STREAM <http://localhost:3000/p6/skt/> [RANGE 600000 STEP 20000]
WHERE { WINDOW :w1 { ?s saref:hasValue ?v . } }`,
			want: true,
		},
		{
			name: "different window",
			a:    avgQuery,
			b: `PREFIX saref: <https://saref.etsi.org/core/>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
REGISTER RStream <output> AS
SELECT (AVG(?v) AS ?avgValue)
FROM NAMED WINDOW :w1 ON STREAM <http://localhost:3000/p6/skt/> [RANGE 300000 STEP 20000]
WHERE { WINDOW :w1 { ?s saref:hasValue ?v . } }`,
			want: false,
		},
		{
			name: "different aggregate",
			a:    avgQuery,
			b: `PREFIX saref: <https://saref.etsi.org/core/>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
REGISTER RStream <output> AS
SELECT (MAX(?v) AS ?avgValue)
FROM NAMED WINDOW :w1 ON STREAM <http://localhost:3000/p6/skt/> [RANGE 600000 STEP 20000]
WHERE { WINDOW :w1 { ?s saref:hasValue ?v . } }`,
			want: false,
		},
		{
			name: "variable roles swapped",
			a:    "SELECT ?s WHERE { ?s ?p ?o }",
			b:    "SELECT ?o WHERE { ?s ?p ?o }",
			want: false,
		},
		{
			name: "literal case is significant",
			a:    `SELECT ?s WHERE { ?s ?p "Heart" }`,
			b:    `SELECT ?s WHERE { ?s ?p "heart" }`,
			want: false,
		},
		{
			name: "comments ignored",
			a:    "SELECT ?s WHERE { ?s ?p ?o }",
			b:    "# all subjects\nSELECT ?s WHERE { ?s ?p ?o } # done",
			want: true,
		},
	}

	oracle := StructuralOracle{}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := oracle.Equivalent(ctx, tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// symmetric
			back, err := oracle.Equivalent(ctx, tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}
}

func TestStructuralOracle_Errors(t *testing.T) {
	oracle := StructuralOracle{}

	_, err := oracle.Equivalent(context.Background(), "SELECT ?s WHERE { ?s ?p ?o", "SELECT ?s WHERE { ?s ?p ?o }")
	assert.Error(t, err, "unclosed brace")

	_, err = oracle.Equivalent(context.Background(), "SELECT ?s WHERE { ?s ?p ?o }", `SELECT ?s WHERE { ?s ?p "open }`)
	assert.Error(t, err, "unterminated literal")

	_, err = oracle.Equivalent(context.Background(), "SELECT ?s WHERE { ?s ?p ?o ) }", "x")
	assert.Error(t, err, "mismatched bracket")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = oracle.Equivalent(ctx, avgQuery, avgQuery)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanonical(t *testing.T) {
	got, err := Canonical("select ?b ?a where { ?a <http://x/p> ?b . FILTER(?b < 3) }")
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?b ?a WHERE { ?a <http://x/p> ?b . FILTER ( ?b < 3 ) }", got)

	got, err = Canonical("SELECT (COUNT(?x) AS ?n) WHERE { ?x <http://x/p> ?y }")
	require.NoError(t, err)
	assert.Equal(t, "SELECT ( COUNT ( ?#0 ) AS ?n ) WHERE { ?#0 <http://x/p> ?#1 }", got)
}

func TestOracleFunc(t *testing.T) {
	var o Oracle = OracleFunc(func(_ context.Context, a, b string) (bool, error) {
		return len(a) == len(b), nil
	})
	ok, err := o.Equivalent(context.Background(), "ab", "cd")
	require.NoError(t, err)
	assert.True(t, ok)
}
