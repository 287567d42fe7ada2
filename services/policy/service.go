package policy

import (
	"context"
	"os"
	"time"

	"github.com/upb/crypto-control-plane/models"
	"github.com/upb/crypto-control-plane/repositories"
	"github.com/upb/crypto-control-plane/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Service manages policy set versions and evaluation. Sets are immutable
// once activated; changing policy means activating a new version. Runs pin
// the version they were admitted under, so a mid-run activation never
// changes the rules applied to an in-flight run.
type Service struct {
	repo   repositories.PolicySetRepository
	cache  *SetCache
	engine *Engine
	logger *zap.Logger
}

// NewService creates a new policy Service instance
func NewService(repo repositories.PolicySetRepository, cache *SetCache, engine *Engine, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		engine: engine,
		logger: logger,
	}
}

// Current returns the active policy set (with caching)
func (s *Service) Current(ctx context.Context) (*models.PolicySet, error) {
	if cached := s.cache.GetCurrent(); cached != nil {
		s.logger.Debug("cache hit for current policy set",
			zap.Int("version", cached.Version))
		return cached, nil
	}

	set, err := s.repo.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}

	s.cache.SetCurrent(set)
	s.cache.SetVersion(set)

	s.logger.Debug("cache miss for current policy set, fetched from database",
		zap.Int("version", set.Version))
	return set, nil
}

// At returns a specific policy set version (with caching). Historical
// versions back audit replay and report regeneration.
func (s *Service) At(ctx context.Context, version int) (*models.PolicySet, error) {
	if cached := s.cache.GetVersion(version); cached != nil {
		return cached, nil
	}

	set, err := s.repo.GetVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	s.cache.SetVersion(set)
	return set, nil
}

// ListVersions lists all stored policy set versions in ascending order
func (s *Service) ListVersions(ctx context.Context) ([]int, error) {
	return s.repo.ListVersions(ctx)
}

// Activate validates the set, assigns it the next version number, and stores
// it as the new current set
func (s *Service) Activate(ctx context.Context, set *models.PolicySet) (*models.PolicySet, error) {
	if err := s.engine.ValidateSet(set); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid policy set", err)
	}

	versions, err := s.repo.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	set.Version = next
	if set.EffectiveAt.IsZero() {
		set.EffectiveAt = time.Now().UTC()
	}

	if err := s.repo.Create(ctx, set); err != nil {
		return nil, err
	}

	s.cache.InvalidateCurrent()
	s.cache.SetVersion(set)

	s.logger.Info("activated policy set",
		zap.Int("version", set.Version),
		zap.String("name", set.Name),
		zap.Bool("strict_mode", set.StrictMode),
		zap.Int("rules", len(set.Rules)))
	return set, nil
}

// Evaluate runs the engine over one step's input against the given set
func (s *Service) Evaluate(set *models.PolicySet, input EvaluationInput) models.Decision {
	return s.engine.Evaluate(set, input)
}

// Bootstrap ensures an active policy set exists. If storage is empty it
// activates the set from the given YAML file, or the built-in baseline when
// no file is configured.
func (s *Service) Bootstrap(ctx context.Context, path string) (*models.PolicySet, error) {
	current, err := s.repo.GetCurrent(ctx)
	if err == nil {
		s.logger.Info("policy set already active",
			zap.Int("version", current.Version),
			zap.String("name", current.Name))
		return current, nil
	}
	if !services.IsNotFoundError(err) {
		return nil, err
	}

	set := DefaultPolicySet()
	if path != "" {
		set, err = LoadSetFile(path)
		if err != nil {
			return nil, err
		}
		s.logger.Info("loaded bootstrap policy set",
			zap.String("path", path),
			zap.String("name", set.Name),
			zap.Int("rules", len(set.Rules)))
	}

	return s.Activate(ctx, set)
}

// LoadSetFile parses a policy set from a YAML file
func LoadSetFile(path string) (*models.PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeConfiguration, "failed to read policy file", err)
	}
	var set models.PolicySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeConfiguration, "failed to parse policy file", err)
	}
	return &set, nil
}

// GetCacheStats returns cache statistics
func (s *Service) GetCacheStats() CacheStats {
	return s.cache.Stats()
}

// StartCacheCleanup starts a background worker to clean up expired cache entries
func (s *Service) StartCacheCleanup(interval time.Duration, stopCh <-chan struct{}) {
	go s.cache.StartCleanupWorker(interval, stopCh)
	s.logger.Info("started policy cache cleanup worker",
		zap.Duration("interval", interval))
}
