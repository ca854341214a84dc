// Package artifacts implements the cycle artifact store: atomic writes into
// timestamped cycle directories, history archiving, per-agent memory files,
// and most-recent lookups.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/rs/zerolog"
)

// validNames is the closed set of artifact filenames.
var validNames = map[string]bool{
	domain.ArtifactPlan:       true,
	domain.ArtifactResearch:   true,
	domain.ArtifactAnalysis:   true,
	domain.ArtifactStrategy:   true,
	domain.ArtifactEvaluation: true,
}

// Store owns the artifact directory tree under one data directory:
//
//	artifacts/cycles/<cycleId>/<name>
//	artifacts/cycles/history/<cycleId>/<name>
//	<agent>/memory.md
//	shared_memory.md
type Store struct {
	baseDir string
	log     zerolog.Logger
}

// New creates a store rooted at baseDir and ensures the tree exists.
func New(baseDir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		baseDir: baseDir,
		log:     log.With().Str("component", "artifact_store").Logger(),
	}
	if err := os.MkdirAll(s.historyDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directories: %w", err)
	}
	return s, nil
}

func (s *Store) cyclesDir() string  { return filepath.Join(s.baseDir, "artifacts", "cycles") }
func (s *Store) historyDir() string { return filepath.Join(s.cyclesDir(), "history") }

// CycleDir returns the directory for a cycle's artifacts.
func (s *Store) CycleDir(cycleID string) string {
	return filepath.Join(s.cyclesDir(), cycleID)
}

// Write stores an artifact atomically (temp file + rename).
func (s *Store) Write(cycleID, name, content string) error {
	if !validNames[name] {
		return fmt.Errorf("unknown artifact name: %s", name)
	}
	if cycleID == "" {
		return fmt.Errorf("cycle id is required")
	}

	path := filepath.Join(s.CycleDir(cycleID), name)
	if err := persist.WriteFileAtomic(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	s.log.Debug().Str("cycle_id", cycleID).Str("artifact", name).Int("bytes", len(content)).Msg("Artifact written")
	return nil
}

// Read returns an artifact's content from the live cycle directory, falling
// back to history.
func (s *Store) Read(cycleID, name string) (string, error) {
	path := filepath.Join(s.CycleDir(cycleID), name)
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	histPath := filepath.Join(s.historyDir(), cycleID, name)
	data, err = os.ReadFile(histPath)
	if err != nil {
		return "", fmt.Errorf("artifact %s not found for cycle %s: %w", name, cycleID, err)
	}
	return string(data), nil
}

// Exists reports whether a cycle has the named artifact (live or archived).
func (s *Store) Exists(cycleID, name string) bool {
	if _, err := os.Stat(filepath.Join(s.CycleDir(cycleID), name)); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(s.historyDir(), cycleID, name))
	return err == nil
}

// Latest returns the newest cycle id carrying the named artifact and its
// content. Searches live cycles first, then history, newest first.
func (s *Store) Latest(name string) (cycleID, content string, err error) {
	ids := s.ListCycles()
	for i := len(ids) - 1; i >= 0; i-- {
		if !s.Exists(ids[i], name) {
			continue
		}
		c, readErr := s.Read(ids[i], name)
		if readErr != nil {
			s.log.Warn().Err(readErr).Str("cycle_id", ids[i]).Str("artifact", name).Msg("Skipping unreadable artifact")
			continue
		}
		return ids[i], c, nil
	}
	return "", "", fmt.Errorf("no cycle has artifact %s", name)
}

// HistoryPresent reports whether a prior strategy.json and evaluation.md
// both exist anywhere in the store. This is the state machine's cold-start
// guard.
func (s *Store) HistoryPresent() bool {
	_, _, stratErr := s.Latest(domain.ArtifactStrategy)
	_, _, evalErr := s.Latest(domain.ArtifactEvaluation)
	return stratErr == nil && evalErr == nil
}

// ListCycles returns all cycle ids (live and archived), sorted ascending.
// Cycle ids sort lexicographically by construction.
func (s *Store) ListCycles() []string {
	seen := make(map[string]bool)

	appendFrom := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() && e.Name() != "history" {
				seen[e.Name()] = true
			}
		}
	}
	appendFrom(s.cyclesDir())
	appendFrom(s.historyDir())

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListArtifacts returns the artifact filenames present for a cycle.
func (s *Store) ListArtifacts(cycleID string) []string {
	var names []string
	for _, dir := range []string{s.CycleDir(cycleID), filepath.Join(s.historyDir(), cycleID)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && validNames[e.Name()] {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	return names
}

// Archive moves a completed cycle's directory into history.
func (s *Store) Archive(cycleID string) error {
	src := s.CycleDir(cycleID)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("cycle %s has no live directory: %w", cycleID, err)
	}

	dst := filepath.Join(s.historyDir(), cycleID)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to archive cycle %s: %w", cycleID, err)
	}

	s.log.Info().Str("cycle_id", cycleID).Msg("Cycle archived")
	return nil
}

// PublishStrategy copies a cycle's strategy.json to the shared-volume path
// the Execution Service watches, atomically.
func (s *Store) PublishStrategy(cycleID, publishPath string) error {
	content, err := s.Read(cycleID, domain.ArtifactStrategy)
	if err != nil {
		return err
	}
	if err := persist.WriteFileAtomic(publishPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to publish strategy: %w", err)
	}

	s.log.Info().Str("cycle_id", cycleID).Str("path", publishPath).Msg("Strategy published")
	return nil
}

func (s *Store) memoryPath(agent domain.Agent) string {
	return filepath.Join(s.baseDir, string(agent), "memory.md")
}

// ReadMemory returns an agent's memory file, empty when absent.
func (s *Store) ReadMemory(agent domain.Agent) (string, error) {
	data, err := os.ReadFile(s.memoryPath(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read memory for %s: %w", agent, err)
	}
	return string(data), nil
}

// AppendMemory appends a block to an agent's memory file.
func (s *Store) AppendMemory(agent domain.Agent, text string) error {
	return appendToFile(s.memoryPath(agent), text)
}

// ReadSharedMemory returns the cross-cycle shared memory, empty when absent.
func (s *Store) ReadSharedMemory() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, "shared_memory.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read shared memory: %w", err)
	}
	return string(data), nil
}

// AppendSharedMemory appends a block to the shared memory file.
func (s *Store) AppendSharedMemory(text string) error {
	return appendToFile(filepath.Join(s.baseDir, "shared_memory.md"), text)
}

func appendToFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
