// Package mailbox implements per-agent bounded message queues with
// forward/feedback/broadcast routing between loop steps.
package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/rs/zerolog"
)

// box is one agent's mailbox. Each box has its own lock.
type box struct {
	mu       sync.Mutex
	messages []domain.MailboxMessage
}

// Store owns every agent's mailbox. Appends drop the oldest message once
// capacity is reached; reads return snapshots, never live slices.
type Store struct {
	dir      string
	capacity int
	boxes    map[domain.Agent]*box
	log      zerolog.Logger
}

// New creates a store persisting to dir (one mailbox.<agent> file per agent)
// and loads any persisted messages.
func New(dir string, capacity int, log zerolog.Logger) (*Store, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("mailbox capacity must be at least 1")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		capacity: capacity,
		boxes:    make(map[domain.Agent]*box, len(domain.AllAgents)),
		log:      log.With().Str("component", "mailbox").Logger(),
	}
	for _, agent := range domain.AllAgents {
		b := &box{}
		if msgs, err := s.loadFile(agent); err != nil {
			s.log.Warn().Err(err).Str("agent", string(agent)).Msg("Corrupt mailbox file, starting empty")
		} else {
			b.messages = msgs
		}
		s.boxes[agent] = b
	}
	return s, nil
}

// Append adds a message to the recipient's mailbox, evicting the oldest
// entry when full, and persists the box.
func (s *Store) Append(msg domain.MailboxMessage) error {
	b, ok := s.boxes[msg.To]
	if !ok {
		return fmt.Errorf("unknown mailbox recipient: %s", msg.To)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, msg)
	if len(b.messages) > s.capacity {
		b.messages = b.messages[len(b.messages)-s.capacity:]
	}
	return s.persistLocked(msg.To, b)
}

// Snapshot returns a copy of an agent's mailbox, oldest first.
func (s *Store) Snapshot(agent domain.Agent) []domain.MailboxMessage {
	b, ok := s.boxes[agent]
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.MailboxMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// All returns a snapshot of every mailbox.
func (s *Store) All() map[domain.Agent][]domain.MailboxMessage {
	out := make(map[domain.Agent][]domain.MailboxMessage, len(s.boxes))
	for agent := range s.boxes {
		out[agent] = s.Snapshot(agent)
	}
	return out
}

// Len returns the current size of an agent's mailbox.
func (s *Store) Len(agent domain.Agent) int {
	b, ok := s.boxes[agent]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Capacity returns the configured per-mailbox bound.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) filePath(agent domain.Agent) string {
	return filepath.Join(s.dir, "mailbox."+string(agent))
}

// persistLocked writes a box as JSON lines. Caller holds the box lock.
func (s *Store) persistLocked(agent domain.Agent, b *box) error {
	var buf []byte
	for _, msg := range b.messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal mailbox message: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := persist.WriteFileAtomic(s.filePath(agent), buf, 0644); err != nil {
		return fmt.Errorf("failed to persist mailbox for %s: %w", agent, err)
	}
	return nil
}

// loadFile reads a persisted mailbox, keeping only the newest entries that
// fit the capacity. Unparseable lines are skipped.
func (s *Store) loadFile(agent domain.Agent) ([]domain.MailboxMessage, error) {
	f, err := os.Open(s.filePath(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var msgs []domain.MailboxMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg domain.MailboxMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn().Err(err).Str("agent", string(agent)).Msg("Skipping unparseable mailbox line")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(msgs) > s.capacity {
		msgs = msgs[len(msgs)-s.capacity:]
	}
	return msgs, nil
}
