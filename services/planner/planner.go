package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/executor"
)

// DefaultStepTimeout bounds each templated step's tool invocation
const DefaultStepTimeout = 30 * time.Second

// Planner supplies an executable plan for an accepted request. External
// planners satisfy the same interface; every plan, templated or supplied,
// goes through the same structural validation before a run is created.
type Planner interface {
	BuildPlan(req *models.Request) (*models.Plan, error)
}

// TemplatePlanner translates each operation kind into its built-in step
// sequence. Templates only carry parameters that are actually set; missing
// required inputs surface through policy validation and tool argument
// schemas, not through planner defaults.
type TemplatePlanner struct {
	stepTimeout time.Duration
	logger      *zap.Logger
}

// NewTemplatePlanner creates a template planner. A non-positive stepTimeout
// falls back to DefaultStepTimeout.
func NewTemplatePlanner(stepTimeout time.Duration, logger *zap.Logger) *TemplatePlanner {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &TemplatePlanner{
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// BuildPlan creates the plan for a request's operation kind
func (p *TemplatePlanner) BuildPlan(req *models.Request) (*models.Plan, error) {
	var steps []models.Step

	switch req.Operation {
	case models.OperationGenerateKey:
		steps = p.keyGenerationSteps(req.Parameters)
	case models.OperationIssueCertificate:
		steps = p.issuanceSteps(req.Parameters, true)
	case models.OperationRenewCertificate:
		steps = p.issuanceSteps(req.Parameters, false)
	case models.OperationRevokeCertificate:
		steps = p.revocationSteps(req.Parameters)
	case models.OperationRotateKey:
		steps = p.rotationSteps(req.Parameters)
	default:
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("no plan template for operation %q", req.Operation), nil).
			WithDetail("operation", string(req.Operation))
	}

	plan := models.NewPlan(req.ID, steps)
	if err := plan.Validate(); err != nil {
		return nil, services.NewDomainError(services.ErrorTypePlan,
			fmt.Sprintf("template for operation %q produced an invalid plan", req.Operation), err)
	}

	p.logger.Debug("plan built",
		zap.String("operation", string(req.Operation)),
		zap.String("request_id", req.ID.String()),
		zap.Int("steps", len(plan.Steps)))

	return plan, nil
}

// keyGenerationSteps: generate the key, then stage its inventory record
func (p *TemplatePlanner) keyGenerationSteps(params models.Parameters) []models.Step {
	return []models.Step{
		{
			ID:           "generate_key",
			Action:       executor.ActionGenerateKey,
			Tool:         executor.ToolKeygen,
			Worker:       models.WorkerKey,
			Parameters:   keygenArgs(params),
			Compensation: executor.ActionDestroyKey,
			Timeout:      p.stepTimeout,
		},
		{
			ID:           "update_inventory",
			Action:       executor.ActionUpdateInventory,
			Tool:         executor.ToolInventory,
			Worker:       models.WorkerInventory,
			Parameters:   inventoryArgs("key", params),
			DependsOn:    []string{"generate_key"},
			Compensation: executor.ActionRemoveEntry,
			Timeout:      p.stepTimeout,
		},
	}
}

// issuanceSteps builds the certificate pipeline. Issuance generates a fresh
// key first; renewal reuses the existing key pair, so its pipeline starts at
// the signing request. The compliance check fans out alongside submission
// and both join before the inventory staging step.
func (p *TemplatePlanner) issuanceSteps(params models.Parameters, freshKey bool) []models.Step {
	var steps []models.Step
	csrDeps := []string(nil)

	if freshKey {
		steps = append(steps, models.Step{
			ID:           "generate_key",
			Action:       executor.ActionGenerateKey,
			Tool:         executor.ToolKeygen,
			Worker:       models.WorkerKey,
			Parameters:   keygenArgs(params),
			Compensation: executor.ActionDestroyKey,
			Timeout:      p.stepTimeout,
		})
		csrDeps = []string{"generate_key"}
	}

	steps = append(steps,
		models.Step{
			ID:         "create_csr",
			Action:     executor.ActionCreateCSR,
			Tool:       executor.ToolCSR,
			Worker:     models.WorkerCertificate,
			Parameters: csrArgs(params),
			DependsOn:  csrDeps,
			Timeout:    p.stepTimeout,
		},
		models.Step{
			ID:           "submit_csr",
			Action:       executor.ActionSubmitCSR,
			Tool:         executor.ToolCA,
			Worker:       models.WorkerCertificate,
			Parameters:   submitArgs(params),
			DependsOn:    []string{"create_csr"},
			Compensation: executor.ActionRevokeCertificate,
			Timeout:      p.stepTimeout,
		},
		models.Step{
			ID:         "compliance_check",
			Action:     executor.ActionComplianceCheck,
			Tool:       executor.ToolCompliance,
			Worker:     models.WorkerCompliance,
			Parameters: complianceArgs(operationForIssuance(freshKey), params),
			DependsOn:  []string{"create_csr"},
			Timeout:    p.stepTimeout,
		},
		models.Step{
			ID:         "validate_certificate",
			Action:     executor.ActionValidateCertificate,
			Tool:       executor.ToolValidator,
			Worker:     models.WorkerCertificate,
			Parameters: validateArgs(params),
			DependsOn:  []string{"submit_csr"},
			Timeout:    p.stepTimeout,
		},
		models.Step{
			ID:           "update_inventory",
			Action:       executor.ActionUpdateInventory,
			Tool:         executor.ToolInventory,
			Worker:       models.WorkerInventory,
			Parameters:   inventoryArgs("certificate", params),
			DependsOn:    []string{"validate_certificate", "compliance_check"},
			Compensation: executor.ActionRemoveEntry,
			Timeout:      p.stepTimeout,
		},
	)

	return steps
}

// revocationSteps: submit the revocation, then stage the state transition
func (p *TemplatePlanner) revocationSteps(params models.Parameters) []models.Step {
	return []models.Step{
		{
			ID:         "revoke_certificate",
			Action:     executor.ActionRevokeCertificate,
			Tool:       executor.ToolCA,
			Worker:     models.WorkerCertificate,
			Parameters: revokeArgs(params),
			Timeout:    p.stepTimeout,
		},
		{
			ID:         "update_inventory",
			Action:     executor.ActionUpdateInventory,
			Tool:       executor.ToolInventory,
			Worker:     models.WorkerInventory,
			Parameters: inventoryArgs("certificate", params),
			DependsOn:  []string{"revoke_certificate"},
			Timeout:    p.stepTimeout,
		},
	}
}

// rotationSteps: generate the replacement, stage it, then retire the old
// key. Retirement waits for the staged replacement so a rotation can never
// leave zero usable keys.
func (p *TemplatePlanner) rotationSteps(params models.Parameters) []models.Step {
	retireArgs := map[string]string{}
	if params.TargetRecordID != "" {
		retireArgs["key_id"] = params.TargetRecordID
	}

	return []models.Step{
		{
			ID:           "generate_key",
			Action:       executor.ActionGenerateKey,
			Tool:         executor.ToolKeygen,
			Worker:       models.WorkerKey,
			Parameters:   keygenArgs(params),
			Compensation: executor.ActionDestroyKey,
			Timeout:      p.stepTimeout,
		},
		{
			ID:           "update_inventory",
			Action:       executor.ActionUpdateInventory,
			Tool:         executor.ToolInventory,
			Worker:       models.WorkerInventory,
			Parameters:   inventoryArgs("key", params),
			DependsOn:    []string{"generate_key"},
			Compensation: executor.ActionRemoveEntry,
			Timeout:      p.stepTimeout,
		},
		{
			ID:         "retire_old_key",
			Action:     executor.ActionDestroyKey,
			Tool:       executor.ToolKeygen,
			Worker:     models.WorkerKey,
			Parameters: retireArgs,
			DependsOn:  []string{"update_inventory"},
			Timeout:    p.stepTimeout,
		},
	}
}

func operationForIssuance(freshKey bool) models.OperationKind {
	if freshKey {
		return models.OperationIssueCertificate
	}
	return models.OperationRenewCertificate
}

// Argument builders only carry set values; tool argument schemas decide
// what is required.

func keygenArgs(p models.Parameters) map[string]string {
	args := map[string]string{}
	if p.Algorithm != "" {
		args["algorithm"] = p.Algorithm
	}
	if p.KeySize > 0 {
		args["key_size"] = strconv.Itoa(p.KeySize)
	}
	if p.Curve != "" {
		args["curve"] = p.Curve
	}
	return args
}

func csrArgs(p models.Parameters) map[string]string {
	args := map[string]string{}
	if p.CommonName != "" {
		args["common_name"] = p.CommonName
	}
	if len(p.SubjectAltNames) > 0 {
		args["subject_alt_names"] = strings.Join(p.SubjectAltNames, ",")
	}
	return args
}

func submitArgs(p models.Parameters) map[string]string {
	args := map[string]string{}
	if p.CommonName != "" {
		args["common_name"] = p.CommonName
	}
	if p.ValidityDays > 0 {
		args["validity_days"] = strconv.Itoa(p.ValidityDays)
	}
	return args
}

func validateArgs(p models.Parameters) map[string]string {
	args := map[string]string{}
	if p.CommonName != "" {
		args["common_name"] = p.CommonName
	}
	return args
}

func complianceArgs(op models.OperationKind, p models.Parameters) map[string]string {
	args := map[string]string{"operation": string(op)}
	if p.CommonName != "" {
		args["common_name"] = p.CommonName
	}
	if p.Algorithm != "" {
		args["algorithm"] = p.Algorithm
	}
	if p.KeySize > 0 {
		args["key_size"] = strconv.Itoa(p.KeySize)
	}
	if p.ValidityDays > 0 {
		args["validity_days"] = strconv.Itoa(p.ValidityDays)
	}
	return args
}

func revokeArgs(p models.Parameters) map[string]string {
	args := map[string]string{}
	if p.TargetRecordID != "" {
		args["target"] = p.TargetRecordID
	}
	if p.Reason != "" {
		args["reason"] = p.Reason
	}
	return args
}

func inventoryArgs(recordType string, p models.Parameters) map[string]string {
	args := map[string]string{"record_type": recordType}
	if p.CommonName != "" {
		args["common_name"] = p.CommonName
	}
	if p.Algorithm != "" {
		args["algorithm"] = p.Algorithm
	}
	if p.KeySize > 0 {
		args["key_size"] = strconv.Itoa(p.KeySize)
	}
	if p.Curve != "" {
		args["curve"] = p.Curve
	}
	if p.ValidityDays > 0 {
		args["validity_days"] = strconv.Itoa(p.ValidityDays)
	}
	if p.TargetRecordID != "" {
		args["target"] = p.TargetRecordID
	}
	return args
}
