package perfopt

import (
	"sync"

	"go.uber.org/zap"
)

// Speculator executes proposals ahead of their real commit when the
// caller-supplied confidence clears SpeculationThreshold, then confirms or
// rolls back once the actual consensus outcome is known.
type Speculator struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	inFlight map[string]*Speculation
}

// NewSpeculator constructs a speculator bound to cfg's threshold.
func NewSpeculator(cfg Config, logger *zap.Logger) *Speculator {
	return &Speculator{
		cfg:      cfg,
		logger:   logger.Named("perfopt.speculator"),
		inFlight: make(map[string]*Speculation),
	}
}

// Execute runs exec speculatively if confidence clears the threshold,
// recording the result for later Commit/Rollback. Returns false if
// confidence was too low to speculate; the caller should wait for the
// real commit instead.
func (s *Speculator) Execute(proposalID string, confidence float64, exec func() ([]byte, error)) (*Speculation, bool, error) {
	if confidence <= s.cfg.SpeculationThreshold {
		return nil, false, nil
	}

	result, err := exec()
	if err != nil {
		return nil, false, err
	}

	spec := &Speculation{ProposalID: proposalID, Confidence: confidence, Result: result}

	s.mu.Lock()
	s.inFlight[proposalID] = spec
	s.mu.Unlock()

	return spec, true, nil
}

// Commit confirms a speculative result matched the real commit outcome.
func (s *Speculator) Commit(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec, ok := s.inFlight[proposalID]; ok {
		spec.Committed = true
		delete(s.inFlight, proposalID)
	}
}

// Rollback discards a speculative result that disagreed with the real
// commit outcome.
func (s *Speculator) Rollback(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec, ok := s.inFlight[proposalID]; ok {
		spec.RolledBack = true
		s.logger.Warn("speculative execution rolled back", zap.String("proposal", proposalID))
		delete(s.inFlight, proposalID)
	}
}

// Pending returns the in-flight speculation for a proposal, if any.
func (s *Speculator) Pending(proposalID string) (*Speculation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.inFlight[proposalID]
	return spec, ok
}
