package runbook

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/model"
)

// Manager owns the loaded runbook set. Reloads swap the whole set between
// processing cycles; incidents already executing keep the runbook value they
// started with.
type Manager struct {
	path string

	mu     sync.RWMutex
	books  []*Runbook
	loaded time.Time
}

// NewManager creates a manager reading runbooks from path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads and validates the runbook config. The initial load must succeed
// for the process to start.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	books, err := parseDocument(data)
	if err != nil {
		return err
	}

	info, err := os.Stat(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.books = books
	m.loaded = info.ModTime()
	m.mu.Unlock()

	log.Info().Int("runbooks", len(books)).Str("path", m.path).Msg("runbook config loaded")
	return nil
}

// MaybeReload reloads the config when the file changed since the last load.
// A config that fails validation is rejected and the previous set stays
// active.
func (m *Manager) MaybeReload() {
	info, err := os.Stat(m.path)
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("failed to stat runbook config")
		return
	}

	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if !info.ModTime().After(loaded) {
		return
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("failed to read runbook config")
		return
	}
	books, err := parseDocument(data)
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("rejecting invalid runbook config, keeping previous set")
		return
	}

	m.mu.Lock()
	m.books = books
	m.loaded = info.ModTime()
	m.mu.Unlock()

	log.Info().Int("runbooks", len(books)).Str("path", m.path).Msg("runbook config reloaded")
}

// Runbooks returns the active set.
func (m *Manager) Runbooks() []*Runbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books
}

// Select picks the runbook with the most matched trigger patterns against
// the incident's alerts, restricted to runbooks applicable to its severity.
// Ties go to the most recently updated runbook. No match returns a
// RunbookNotFound error.
func (m *Manager) Select(inc *model.Incident) (*Runbook, error) {
	m.mu.RLock()
	books := m.books
	m.mu.RUnlock()

	var best *Runbook
	bestMatches := 0
	for _, rb := range books {
		if !rb.AppliesTo(inc.Severity) {
			continue
		}
		matches := rb.MatchCount(inc.Alerts)
		if matches == 0 {
			continue
		}
		if matches > bestMatches || (matches == bestMatches && best != nil && rb.UpdatedAt.After(best.UpdatedAt)) {
			best = rb
			bestMatches = matches
		}
	}

	if best == nil {
		return nil, model.NewError(model.KindRunbookNotFound,
			"no runbook matches incident %s (severity %s)", inc.ID, inc.Severity)
	}
	return best, nil
}
