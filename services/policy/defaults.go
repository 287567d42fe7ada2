package policy

import (
	"github.com/upb/crypto-control-plane/models"
)

// Baseline bounds. Validity limits follow the CA/Browser Forum baseline
// requirements; key strength minimums follow NIST SP 800-57.
const (
	MaxValidityDays         = 825
	RecommendedValidityDays = 398
	MinRSABits              = 2048
	RecommendedRSABits      = 3072
)

// DefaultPolicySet returns the baseline ruleset used when no policy set has
// been activated yet. Version and effective time are assigned at activation.
func DefaultPolicySet() *models.PolicySet {
	keyOps := []models.OperationKind{models.OperationGenerateKey, models.OperationRotateKey}
	certOps := []models.OperationKind{models.OperationIssueCertificate, models.OperationRenewCertificate}
	targetedOps := []models.OperationKind{
		models.OperationRenewCertificate,
		models.OperationRevokeCertificate,
		models.OperationRotateKey,
	}

	return &models.PolicySet{
		Name:       "baseline",
		StrictMode: false,
		Rules: []models.PolicyRule{
			{
				ID:         "R001",
				Kind:       models.RuleKindAllowList,
				Field:      "algorithm",
				Operations: keyOps,
				Severity:   models.SeverityHigh,
				Values:     []string{"RSA", "ECC"},
				Message:    "key algorithm must be RSA or ECC",
			},
			{
				ID:         "R002",
				Kind:       models.RuleKindExpression,
				Field:      "key_size",
				Operations: keyOps,
				Severity:   models.SeverityHigh,
				Expression: `params.algorithm != 'RSA' || params.key_size >= 2048`,
				Message:    "RSA keys must be at least 2048 bits (NIST SP 800-57)",
			},
			{
				ID:         "R003",
				Kind:       models.RuleKindAllowList,
				Field:      "curve",
				Operations: keyOps,
				Severity:   models.SeverityHigh,
				Values:     []string{"P-256", "P-384", "P-521"},
				Message:    "ECC keys must use an approved NIST curve",
			},
			{
				ID:         "R004",
				Kind:       models.RuleKindMax,
				Field:      "validity_days",
				Operations: certOps,
				Severity:   models.SeverityHigh,
				Bound:      MaxValidityDays,
				Message:    "validity exceeds the CA/Browser Forum maximum of 825 days",
			},
			{
				ID:         "R005",
				Kind:       models.RuleKindRequired,
				Field:      "common_name",
				Operations: certOps,
				Severity:   models.SeverityHigh,
				Message:    "certificate requests need a subject common name",
			},
			{
				ID:         "R006",
				Kind:       models.RuleKindDomain,
				Field:      "common_name",
				Operations: certOps,
				Severity:   models.SeverityHigh,
				Message:    "subject common name must be a valid host name (RFC 5280)",
			},
			{
				ID:         "R007",
				Kind:       models.RuleKindDomain,
				Field:      "subject_alt_names",
				Operations: certOps,
				Severity:   models.SeverityHigh,
				Message:    "subject alternative names must be valid host names (RFC 5280)",
			},
			{
				ID:         "R008",
				Kind:       models.RuleKindDenyList,
				Field:      "signature_algorithm",
				Operations: certOps,
				Severity:   models.SeverityHigh,
				Values:     []string{"MD5", "SHA1", "RC4"},
				Message:    "signature algorithm is cryptographically broken",
			},
			{
				ID:         "R009",
				Kind:       models.RuleKindRequired,
				Field:      "reason",
				Operations: []models.OperationKind{models.OperationRevokeCertificate},
				Severity:   models.SeverityMedium,
				Message:    "revocations need a reason",
			},
			{
				ID:         "R010",
				Kind:       models.RuleKindRequired,
				Field:      "target_record_id",
				Operations: targetedOps,
				Severity:   models.SeverityHigh,
				Message:    "operation needs a target inventory record",
			},
			{
				ID:         "W001",
				Kind:       models.RuleKindMax,
				Field:      "validity_days",
				Operations: certOps,
				Severity:   models.SeverityLow,
				Advisory:   true,
				Bound:      RecommendedValidityDays,
				Message:    "validity is longer than the recommended 398 days",
			},
			{
				ID:         "W002",
				Kind:       models.RuleKindExpression,
				Field:      "key_size",
				Operations: keyOps,
				Severity:   models.SeverityLow,
				Advisory:   true,
				Expression: `params.algorithm != 'RSA' || params.key_size != 2048`,
				Message:    "RSA-2048 is acceptable but consider RSA-3072 or ECC",
			},
			{
				ID:         "W003",
				Kind:       models.RuleKindExpression,
				Field:      "common_name",
				Operations: certOps,
				Severity:   models.SeverityLow,
				Advisory:   true,
				Expression: `!params.common_name.startsWith('*.')`,
				Message:    "wildcard certificate requested, ensure access controls are in place",
			},
		},
	}
}
