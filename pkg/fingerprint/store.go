package fingerprint

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Store holds the active RuleSet. Readers get an immutable snapshot;
// reloads swap the whole snapshot or nothing.
type Store struct {
	active atomic.Pointer[RuleSet]
	log    logrus.FieldLogger

	mu         sync.Mutex // serializes reloads
	path       string
	lastLoaded time.Time
}

// NewStore creates a store holding the empty rule set.
func NewStore(log logrus.FieldLogger) *Store {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	s := &Store{log: log}
	s.active.Store(EmptyRuleSet())
	return s
}

// Active returns the current snapshot. It never returns nil.
func (s *Store) Active() *RuleSet {
	return s.active.Load()
}

// Reload parses data and, if valid, makes it the active set. On failure
// the previous set stays active and the error is returned.
func (s *Store) Reload(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, err := Parse(data)
	if err != nil {
		s.warn(err)
		return err
	}
	s.swap(rs)
	return nil
}

// ReloadFile loads the document at path and remembers the path for
// ReloadIfChanged.
func (s *Store) ReloadFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := os.Stat(path)
	if err != nil {
		err = fmt.Errorf("failed to stat rule document: %w", err)
		s.warn(err)
		return err
	}
	rs, err := LoadFile(path)
	if err != nil {
		s.warn(err)
		return err
	}
	s.path = path
	s.lastLoaded = stat.ModTime()
	s.swap(rs)
	return nil
}

// ReloadIfChanged reloads the remembered document if its modification
// time moved since the last successful load.
func (s *Store) ReloadIfChanged() (bool, error) {
	s.mu.Lock()
	path, last := s.path, s.lastLoaded
	s.mu.Unlock()

	if path == "" {
		return false, nil
	}
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !stat.ModTime().After(last) {
		return false, nil
	}
	if err := s.ReloadFile(path); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) swap(rs *RuleSet) {
	prev := s.active.Swap(rs)
	s.log.WithFields(logrus.Fields{
		"vendors":  rs.Len(),
		"version":  rs.Version,
		"source":   rs.Source,
		"previous": prev.Len(),
	}).Info("fingerprint rules activated")
}

func (s *Store) warn(err error) {
	s.log.WithError(err).WithField("vendors", s.active.Load().Len()).
		Warn("rule reload rejected, keeping previous rule set")
}
