package strategy

import (
	"encoding/json"
	"fmt"
	"time"
)

// logRingSize bounds the per-instance log ring carried in the snapshot.
const logRingSize = 50

// LogEntry is one line of the strategy's persisted log ring.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// State is the mutable, JSON-serializable container a strategy keeps its
// working data in. Every framework-invoked callback is bracketed by a
// dirty check; a dirty container is snapshotted before the next callback
// runs.
type State struct {
	values map[string]json.RawMessage
	logs   []LogEntry
	dirty  bool
}

// NewState returns an empty container.
func NewState() *State {
	return &State{values: make(map[string]json.RawMessage)}
}

// Set stores a JSON-serializable value and marks the container dirty.
func (s *State) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state key %s: %w", key, err)
	}
	s.values[key] = raw
	s.dirty = true
	return nil
}

// Get decodes the value under key into out. The boolean reports presence.
func (s *State) Get(key string, out interface{}) (bool, error) {
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("state key %s: %w", key, err)
	}
	return true, nil
}

// Has reports whether the key exists.
func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Delete removes a key.
func (s *State) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Log appends a line to the snapshot's log ring, evicting the oldest entry
// past the ring size.
func (s *State) Log(now time.Time, level, message string) {
	s.logs = append(s.logs, LogEntry{Time: now, Level: level, Message: message})
	if len(s.logs) > logRingSize {
		s.logs = s.logs[len(s.logs)-logRingSize:]
	}
	s.dirty = true
}

// Logs returns the log ring, oldest first.
func (s *State) Logs() []LogEntry {
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// Dirty reports whether the container changed since the last snapshot.
func (s *State) Dirty() bool { return s.dirty }

// MarkDirty forces a snapshot at the next dirty check.
func (s *State) MarkDirty() { s.dirty = true }

func (s *State) clearDirty() { s.dirty = false }

type stateEnvelope struct {
	Values map[string]json.RawMessage `json:"values"`
	Logs   []LogEntry                 `json:"logs,omitempty"`
}

// Marshal serializes the container for persistence.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(stateEnvelope{Values: s.values, Logs: s.logs})
}

// Load replaces the container's content from a persisted blob.
func (s *State) Load(blob []byte) error {
	var env stateEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return fmt.Errorf("decode state blob: %w", err)
	}
	if env.Values == nil {
		env.Values = make(map[string]json.RawMessage)
	}
	s.values = env.Values
	s.logs = env.Logs
	s.dirty = false
	return nil
}
