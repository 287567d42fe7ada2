// Package inventory owns every mutation of durable key and certificate
// records. The projector applies the terminal effects of committed runs
// exactly once and performs the administrative transitions; nothing else in
// the system writes inventory state.
package inventory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"github.com/upb/crypto-control-plane/services/ledger"
)

// lockStripes is the number of striped record locks. Runs touching the same
// record serialize on its stripe; unrelated records almost never contend.
const lockStripes = 64

// Projector is the sole writer of inventory records. Commit applies a run's
// declared terminal effects; the run ID recorded on each record makes a
// repeated commit a no-op.
type Projector struct {
	repo   repositories.InventoryRepository
	txMgr  repositories.TransactionManager
	ledger *ledger.Ledger
	logger *zap.Logger

	locks [lockStripes]sync.Mutex
}

// NewProjector creates a new Projector instance. A nil txMgr applies effects
// without a wrapping transaction, which tests use.
func NewProjector(repo repositories.InventoryRepository, txMgr repositories.TransactionManager, auditLedger *ledger.Ledger, logger *zap.Logger) *Projector {
	return &Projector{
		repo:   repo,
		txMgr:  txMgr,
		ledger: auditLedger,
		logger: logger,
	}
}

func (p *Projector) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &p.locks[h.Sum32()%lockStripes]
}

// Commit applies each terminal effect of a fully succeeded run exactly once
// and returns the effects it applied. Re-committing a run whose effects are
// already durable returns the same effects without touching any record.
func (p *Projector) Commit(ctx context.Context, run *models.Run) ([]models.Effect, error) {
	effects, err := p.effectsFor(run)
	if err != nil {
		return nil, err
	}

	applied, err := p.repo.GetByCreatedByRun(ctx, run.ID)
	if err != nil && !services.IsNotFoundError(err) {
		return nil, err
	}
	if len(applied) > 0 {
		p.logger.Info("run already committed, skipping inventory apply",
			zap.String("run_id", run.ID.String()),
			zap.Int("records", len(applied)))
		return effects, nil
	}

	apply := func(ctx context.Context, repo repositories.InventoryRepository) error {
		for _, effect := range effects {
			if err := p.applyEffect(ctx, repo, run.ID, effect); err != nil {
				return err
			}
		}
		return nil
	}

	if p.txMgr != nil {
		err = services.WithTransaction(ctx, p.txMgr, func(txCtx context.Context, tx repositories.Transaction) error {
			return apply(txCtx, p.repo.WithTx(tx))
		})
	} else {
		err = apply(ctx, p.repo)
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("inventory committed",
		zap.String("run_id", run.ID.String()),
		zap.Int("effects", len(effects)))
	return effects, nil
}

// applyEffect applies one effect under the target record's stripe lock
func (p *Projector) applyEffect(ctx context.Context, repo repositories.InventoryRepository, runID uuid.UUID, effect models.Effect) error {
	switch effect.Kind {
	case models.EffectCreateRecord:
		if effect.Record == nil {
			return services.NewDomainError(services.ErrorTypeInternal, "create effect carries no record", nil)
		}
		if err := repo.Create(ctx, effect.Record); err != nil {
			return services.WrapInternal("failed to create inventory record", err)
		}
		return nil

	case models.EffectTransition:
		lock := p.lockFor(effect.RecordID)
		lock.Lock()
		defer lock.Unlock()

		rec, err := repo.GetByID(ctx, effect.RecordID)
		if err != nil {
			return err
		}
		if rec.AppliedBy(runID) {
			return nil
		}
		if err := rec.TransitionTo(effect.TargetState, runID, effect.Reason); err != nil {
			return services.NewDomainError(services.ErrorTypeConflict, "illegal inventory transition", err)
		}
		if err := repo.Update(ctx, rec); err != nil {
			return services.WrapInternal("failed to update inventory record", err)
		}
		return nil
	}
	return services.NewDomainError(services.ErrorTypeInternal,
		fmt.Sprintf("unknown effect kind %q", effect.Kind), nil)
}

// effectsFor derives a run's terminal effects from its operation kind.
// Creations link the new records to the run; rotation and renewal link the
// replacement to its predecessor.
func (p *Projector) effectsFor(run *models.Run) ([]models.Effect, error) {
	params := run.Request.Parameters
	var effects []models.Effect

	switch run.Request.Operation {
	case models.OperationGenerateKey:
		effects = append(effects, models.Effect{
			Kind:   models.EffectCreateRecord,
			Record: models.NewKeyRecord(run.ID, params.Algorithm, params.KeySize, params.Curve),
		})

	case models.OperationIssueCertificate:
		key := models.NewKeyRecord(run.ID, params.Algorithm, params.KeySize, params.Curve)
		effects = append(effects,
			models.Effect{Kind: models.EffectCreateRecord, Record: key},
			models.Effect{Kind: models.EffectCreateRecord, Record: certificateRecord(run.ID, params)},
		)

	case models.OperationRenewCertificate:
		cert := certificateRecord(run.ID, params)
		if target, err := targetRecordID(params); err == nil {
			cert.WithPredecessor(target)
		}
		effects = append(effects, models.Effect{Kind: models.EffectCreateRecord, Record: cert})

	case models.OperationRevokeCertificate:
		target, err := targetRecordID(params)
		if err != nil {
			return nil, err
		}
		effects = append(effects, models.Effect{
			Kind:        models.EffectTransition,
			RecordID:    target,
			TargetState: models.RecordStateRevoked,
			Reason:      params.Reason,
		})

	case models.OperationRotateKey:
		target, err := targetRecordID(params)
		if err != nil {
			return nil, err
		}
		key := models.NewKeyRecord(run.ID, params.Algorithm, params.KeySize, params.Curve).WithPredecessor(target)
		effects = append(effects,
			models.Effect{Kind: models.EffectCreateRecord, Record: key},
			models.Effect{Kind: models.EffectCreateRecord, Record: certificateRecord(run.ID, params)},
			models.Effect{
				Kind:        models.EffectTransition,
				RecordID:    target,
				TargetState: models.RecordStateRevoked,
				Reason:      "superseded by key rotation",
			},
		)

	default:
		return nil, services.NewDomainError(services.ErrorTypeInternal,
			fmt.Sprintf("no terminal effects defined for operation %q", run.Request.Operation), nil)
	}
	return effects, nil
}

func certificateRecord(runID uuid.UUID, params models.Parameters) *models.InventoryRecord {
	notBefore := time.Now()
	notAfter := notBefore.AddDate(0, 0, params.ValidityDays)
	return models.NewCertificateRecord(runID, params.CommonName, params.SubjectAltNames, notBefore, notAfter)
}

func targetRecordID(params models.Parameters) (uuid.UUID, error) {
	id, err := uuid.Parse(params.TargetRecordID)
	if err != nil {
		return uuid.Nil, services.NewDomainError(services.ErrorTypeValidation,
			"target_record_id is not a valid record id", err)
	}
	return id, nil
}

// MarkRevoked transitions a record to REVOKED outside a run (administrative
// action). The transition is audited before it is reported back.
func (p *Projector) MarkRevoked(ctx context.Context, recordID uuid.UUID, actor, reason string) (*models.InventoryRecord, error) {
	return p.adminTransition(ctx, recordID, models.RecordStateRevoked, actor, reason)
}

// MarkCompromised transitions a record to COMPROMISED outside a run.
// COMPROMISED is reachable from every non-terminal state and is final.
func (p *Projector) MarkCompromised(ctx context.Context, recordID uuid.UUID, actor, reason string) (*models.InventoryRecord, error) {
	return p.adminTransition(ctx, recordID, models.RecordStateCompromised, actor, reason)
}

// markExpired is the expiry monitor's path to EXPIRED
func (p *Projector) markExpired(ctx context.Context, recordID uuid.UUID, actor string) (*models.InventoryRecord, error) {
	return p.adminTransition(ctx, recordID, models.RecordStateExpired, actor, "certificate past not-after")
}

func (p *Projector) adminTransition(ctx context.Context, recordID uuid.UUID, target models.RecordState, actor, reason string) (*models.InventoryRecord, error) {
	lock := p.lockFor(recordID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := p.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	from := rec.State
	if err := rec.TransitionTo(target, uuid.Nil, reason); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeConflict, "illegal inventory transition", err)
	}
	if err := p.repo.Update(ctx, rec); err != nil {
		return nil, services.WrapInternal("failed to update inventory record", err)
	}

	if _, lerr := p.ledger.RecordTransition(ctx, actor, rec.ID, from, target, reason); lerr != nil {
		p.logger.Error("failed to record inventory transition",
			zap.String("record_id", rec.ID.String()),
			zap.Error(lerr))
	}
	p.logger.Info("inventory record transitioned",
		zap.String("record_id", rec.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor))
	return rec, nil
}
