package models

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind represents the kind of lifecycle operation a request asks for
type OperationKind string

const (
	OperationGenerateKey       OperationKind = "generate_key"
	OperationIssueCertificate  OperationKind = "issue_certificate"
	OperationRenewCertificate  OperationKind = "renew_certificate"
	OperationRevokeCertificate OperationKind = "revoke_certificate"
	OperationRotateKey         OperationKind = "rotate_key"
)

// Valid reports whether the operation kind is one of the supported kinds
func (k OperationKind) Valid() bool {
	switch k {
	case OperationGenerateKey, OperationIssueCertificate, OperationRenewCertificate,
		OperationRevokeCertificate, OperationRotateKey:
		return true
	}
	return false
}

// Parameters holds the typed parameters of a lifecycle request. Fields not
// relevant to the operation kind are left at their zero value.
type Parameters struct {
	Algorithm          string   `json:"algorithm,omitempty" db:"algorithm"`
	KeySize            int      `json:"key_size,omitempty" db:"key_size"`
	Curve              string   `json:"curve,omitempty" db:"curve"`
	CommonName         string   `json:"common_name,omitempty" db:"common_name"`
	SubjectAltNames    []string `json:"subject_alt_names,omitempty" db:"-"`
	ValidityDays       int      `json:"validity_days,omitempty" db:"validity_days"`
	SignatureAlgorithm string   `json:"signature_algorithm,omitempty" db:"signature_algorithm"`
	Reason             string   `json:"reason,omitempty" db:"reason"`
	TargetRecordID     string   `json:"target_record_id,omitempty" db:"target_record_id"`
}

// Map returns the parameters as a generic map keyed by field name, for rule
// predicates and expression evaluation.
func (p Parameters) Map() map[string]interface{} {
	sans := make([]string, len(p.SubjectAltNames))
	copy(sans, p.SubjectAltNames)
	return map[string]interface{}{
		"algorithm":           p.Algorithm,
		"key_size":            p.KeySize,
		"curve":               p.Curve,
		"common_name":         p.CommonName,
		"subject_alt_names":   sans,
		"validity_days":       p.ValidityDays,
		"signature_algorithm": p.SignatureAlgorithm,
		"reason":              p.Reason,
		"target_record_id":    p.TargetRecordID,
	}
}

// Field returns the value of a single parameter by its field name
func (p Parameters) Field(name string) (interface{}, bool) {
	v, ok := p.Map()[name]
	return v, ok
}

// Request represents an accepted cryptographic-lifecycle request.
// A Request is immutable once accepted.
type Request struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Operation   OperationKind `json:"operation" db:"operation"`
	Parameters  Parameters    `json:"parameters" db:"parameters"`
	Requester   string        `json:"requester" db:"requester"`
	SubmittedAt time.Time     `json:"submitted_at" db:"submitted_at"`
}

// NewRequest creates a new Request instance
func NewRequest(operation OperationKind, params Parameters, requester string) *Request {
	return &Request{
		ID:          uuid.New(),
		Operation:   operation,
		Parameters:  params,
		Requester:   requester,
		SubmittedAt: time.Now(),
	}
}
