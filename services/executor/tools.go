package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Tool names in the built-in binding set
const (
	ToolKeygen     = "keygen"
	ToolCSR        = "csr"
	ToolCA         = "ca"
	ToolValidator  = "validator"
	ToolCompliance = "compliance"
	ToolInventory  = "inventory"
)

// Actions the built-in tools permit
const (
	ActionGenerateKey         = "generate_key"
	ActionDestroyKey          = "destroy_key"
	ActionCreateCSR           = "create_csr"
	ActionSubmitCSR           = "submit_csr"
	ActionRevokeCertificate   = "revoke_certificate"
	ActionValidateCertificate = "validate_certificate"
	ActionComplianceCheck     = "compliance_check"
	ActionUpdateInventory     = "update_inventory"
	ActionRemoveEntry         = "remove_entry"
)

// DefaultRegistry binds the simulated drivers under their production tool
// names. Each compensating action's schema is a superset of its primary
// action's schema, because compensation is invoked with the original step's
// arguments. The CA binding carries its own rate limit; real issuance
// endpoints meter submissions.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(
		&ToolBinding{
			Driver: NewKeygenDriver(),
			Actions: map[string]ActionSpec{
				ActionGenerateKey: {Args: map[string]ArgSpec{
					"algorithm": {Required: true, Type: ArgString},
					"key_size":  {Type: ArgInt},
					"curve":     {Type: ArgString},
				}},
				ActionDestroyKey: {Args: map[string]ArgSpec{
					"key_id":    {Type: ArgString},
					"algorithm": {Type: ArgString},
					"key_size":  {Type: ArgInt},
					"curve":     {Type: ArgString},
				}},
			},
		},
		&ToolBinding{
			Driver: NewCSRDriver(),
			Actions: map[string]ActionSpec{
				ActionCreateCSR: {Args: map[string]ArgSpec{
					"common_name":       {Required: true, Type: ArgString},
					"subject_alt_names": {Type: ArgString},
					"key_id":            {Type: ArgString},
				}},
			},
		},
		&ToolBinding{
			Driver: NewCADriver(),
			Rate:   rate.Limit(10),
			Burst:  5,
			Actions: map[string]ActionSpec{
				ActionSubmitCSR: {Args: map[string]ArgSpec{
					"common_name":   {Required: true, Type: ArgString},
					"validity_days": {Type: ArgInt},
					"csr":           {Type: ArgString},
				}},
				ActionRevokeCertificate: {Args: map[string]ArgSpec{
					"target":        {Type: ArgString},
					"reason":        {Type: ArgString},
					"common_name":   {Type: ArgString},
					"validity_days": {Type: ArgInt},
					"csr":           {Type: ArgString},
				}},
			},
		},
		&ToolBinding{
			Driver: NewValidatorDriver(),
			Actions: map[string]ActionSpec{
				ActionValidateCertificate: {Args: map[string]ArgSpec{
					"common_name": {Required: true, Type: ArgString},
					"serial":      {Type: ArgString},
				}},
			},
		},
		&ToolBinding{
			Driver: NewComplianceDriver(),
			Actions: map[string]ActionSpec{
				ActionComplianceCheck: {Args: map[string]ArgSpec{
					"operation":     {Required: true, Type: ArgString},
					"common_name":   {Type: ArgString},
					"algorithm":     {Type: ArgString},
					"key_size":      {Type: ArgInt},
					"validity_days": {Type: ArgInt},
				}},
			},
		},
		&ToolBinding{
			Driver: NewInventoryDriver(),
			Actions: map[string]ActionSpec{
				ActionUpdateInventory: {Args: map[string]ArgSpec{
					"record_type":   {Required: true, Type: ArgString},
					"common_name":   {Type: ArgString},
					"algorithm":     {Type: ArgString},
					"key_size":      {Type: ArgInt},
					"curve":         {Type: ArgString},
					"validity_days": {Type: ArgInt},
					"target":        {Type: ArgString},
				}},
				ActionRemoveEntry: {Args: map[string]ArgSpec{
					"record_type":   {Type: ArgString},
					"common_name":   {Type: ArgString},
					"algorithm":     {Type: ArgString},
					"key_size":      {Type: ArgInt},
					"curve":         {Type: ArgString},
					"validity_days": {Type: ArgInt},
					"target":        {Type: ArgString},
				}},
			},
		},
	)
}

// shortID returns a compact identifier for simulated artifacts
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// KeygenDriver simulates a key management backend. Key material never
// exists; the driver fabricates key identifiers and reports lifecycle
// transitions as output.
type KeygenDriver struct{}

// NewKeygenDriver creates a simulated key management driver
func NewKeygenDriver() *KeygenDriver {
	return &KeygenDriver{}
}

// Name returns the tool name
func (d *KeygenDriver) Name() string {
	return ToolKeygen
}

// Run executes a key management action
func (d *KeygenDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionGenerateKey:
		spec := args["algorithm"]
		if curve := args["curve"]; curve != "" {
			spec += " " + curve
		} else if size := args["key_size"]; size != "" {
			spec += "-" + size
		}
		return fmt.Sprintf("generated %s key pair key-%s", spec, shortID()), nil
	case ActionDestroyKey:
		if keyID := args["key_id"]; keyID != "" {
			return fmt.Sprintf("destroyed key material for %s", keyID), nil
		}
		return "destroyed generated key material", nil
	default:
		return "", fmt.Errorf("keygen driver has no action %q", action)
	}
}

// CSRDriver simulates certificate signing request creation
type CSRDriver struct{}

// NewCSRDriver creates a simulated CSR driver
func NewCSRDriver() *CSRDriver {
	return &CSRDriver{}
}

// Name returns the tool name
func (d *CSRDriver) Name() string {
	return ToolCSR
}

// Run executes a CSR action
func (d *CSRDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionCreateCSR:
		subject := "CN=" + args["common_name"]
		if sans := args["subject_alt_names"]; sans != "" {
			subject += " SAN=" + sans
		}
		return fmt.Sprintf("created signing request csr-%s for %s", shortID(), subject), nil
	default:
		return "", fmt.Errorf("csr driver has no action %q", action)
	}
}

// CADriver simulates a certificate authority endpoint
type CADriver struct{}

// NewCADriver creates a simulated CA driver
func NewCADriver() *CADriver {
	return &CADriver{}
}

// Name returns the tool name
func (d *CADriver) Name() string {
	return ToolCA
}

// Run executes a CA action
func (d *CADriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionSubmitCSR:
		validity := args["validity_days"]
		if validity == "" {
			validity = "365"
		}
		return fmt.Sprintf("certificate issued: serial=%s cn=%s validity=%sd",
			shortID(), args["common_name"], validity), nil
	case ActionRevokeCertificate:
		subject := args["target"]
		if subject == "" {
			subject = args["common_name"]
		}
		reason := args["reason"]
		if reason == "" {
			reason = "unspecified"
		}
		return fmt.Sprintf("revocation submitted for %s reason=%s", subject, reason), nil
	default:
		return "", fmt.Errorf("ca driver has no action %q", action)
	}
}

// ValidatorDriver simulates post-issuance certificate validation
type ValidatorDriver struct{}

// NewValidatorDriver creates a simulated validation driver
func NewValidatorDriver() *ValidatorDriver {
	return &ValidatorDriver{}
}

// Name returns the tool name
func (d *ValidatorDriver) Name() string {
	return ToolValidator
}

// Run executes a validation action
func (d *ValidatorDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionValidateCertificate:
		return fmt.Sprintf("certificate chain valid for CN=%s", args["common_name"]), nil
	default:
		return "", fmt.Errorf("validator driver has no action %q", action)
	}
}

// ComplianceDriver simulates the post-execution compliance verification a
// production deployment runs against issued artifacts
type ComplianceDriver struct{}

// NewComplianceDriver creates a simulated compliance driver
func NewComplianceDriver() *ComplianceDriver {
	return &ComplianceDriver{}
}

// Name returns the tool name
func (d *ComplianceDriver) Name() string {
	return ToolCompliance
}

// Run executes a compliance action
func (d *ComplianceDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionComplianceCheck:
		return fmt.Sprintf("compliance verified for operation=%s", args["operation"]), nil
	default:
		return "", fmt.Errorf("compliance driver has no action %q", action)
	}
}

// InventoryDriver simulates inventory staging. The step only prepares the
// record payload; the inventory projector performs the actual write when the
// run commits.
type InventoryDriver struct{}

// NewInventoryDriver creates a simulated inventory driver
func NewInventoryDriver() *InventoryDriver {
	return &InventoryDriver{}
}

// Name returns the tool name
func (d *InventoryDriver) Name() string {
	return ToolInventory
}

// Run executes an inventory staging action
func (d *InventoryDriver) Run(ctx context.Context, action string, args map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch action {
	case ActionUpdateInventory:
		return fmt.Sprintf("staged %s record for commit", args["record_type"]), nil
	case ActionRemoveEntry:
		recordType := args["record_type"]
		if recordType == "" {
			recordType = "inventory"
		}
		return fmt.Sprintf("unstaged %s record", recordType), nil
	default:
		return "", fmt.Errorf("inventory driver has no action %q", action)
	}
}
