package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/crypto-control-plane/models"
)

func newTestEvaluator(t *testing.T) *celEvaluator {
	t.Helper()
	eval, err := newCELEvaluator()
	require.NoError(t, err)
	return eval
}

func TestCELEvaluator_Evaluate(t *testing.T) {
	eval := newTestEvaluator(t)
	params := models.Parameters{
		Algorithm:       "RSA",
		KeySize:         2048,
		CommonName:      "example.com",
		SubjectAltNames: []string{"example.com", "www.example.com"},
		ValidityDays:    365,
	}.Map()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric comparison", `params.key_size >= 2048`, true},
		{"numeric comparison false", `params.key_size >= 4096`, false},
		{"string equality", `params.algorithm == 'RSA'`, true},
		{"membership", `params.algorithm in ['RSA', 'ECC']`, true},
		{"string method", `params.common_name.endsWith('.com')`, true},
		{"list size", `size(params.subject_alt_names) == 2`, true},
		{"operation variable", `operation == 'issue_certificate'`, true},
		{"conditional", `params.algorithm != 'ECC' || params.curve != ''`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expr, models.OperationIssueCertificate, params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEvaluator_CompileErrors(t *testing.T) {
	eval := newTestEvaluator(t)

	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", `params.key_size >`},
		{"unknown variable", `request.key_size > 0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.Compile(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestCELEvaluator_NonBoolResult(t *testing.T) {
	eval := newTestEvaluator(t)

	_, err := eval.Evaluate(`params.key_size + 1`, models.OperationGenerateKey, models.Parameters{KeySize: 1}.Map())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not bool")
}

func TestCELEvaluator_CachesPrograms(t *testing.T) {
	eval := newTestEvaluator(t)
	expr := `params.key_size >= 2048`

	require.NoError(t, eval.Compile(expr))
	assert.Len(t, eval.programs, 1)

	// Re-evaluating the same expression does not grow the cache.
	_, err := eval.Evaluate(expr, models.OperationGenerateKey, models.Parameters{KeySize: 2048}.Map())
	require.NoError(t, err)
	assert.Len(t, eval.programs, 1)
}
