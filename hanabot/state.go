package hanabot

import (
	"errors"
	"fmt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sashabaranov/go-openai"
	"math/rand"
	"slices"
	"sync"
)

const (
	roleUser      = openai.ChatMessageRoleUser
	roleAssistant = openai.ChatMessageRoleAssistant
)

// Turn is a single chat message, in the shape sent to the completion
// endpoint.
type Turn struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`

	// Image is a data URI, only set on the live outgoing turn. It is
	// never stored in history.
	Image string `json:"-" yaml:"-"`
}

// ChannelSnapshot is a read-only view of a channel's state
type ChannelSnapshot struct {
	ChannelID     string `json:"channel_id"`
	Counter       int    `json:"counter"`
	Target        int    `json:"target"`
	HistoryLength int    `json:"history_length"`
}

type channelState struct {
	mu      sync.Mutex
	history []Turn
	counter int
	target  int
}

// StateStore holds per-channel conversation history and the ambient
// reply counter. Every operation is serialized on the channel's own
// mutex, and no lock is held past the return of a method.
type StateStore struct {
	maxHistoryLength int
	triggerMin       int
	triggerMax       int

	// mu guards get-or-create on channels
	mu       sync.Mutex
	channels *lru.Cache[string, *channelState]

	// randIntN returns a value in [0, n)
	randIntN func(n int) int
}

// NewStateStore returns a StateStore bounded by the given config
func NewStateStore(config *StateConfig) (*StateStore, error) {
	if config == nil {
		return nil, errors.New("state config required")
	}
	var errs []error
	if config.MaxHistoryLength <= 0 {
		errs = append(
			errs,
			fmt.Errorf("max history length must be positive, got %d", config.MaxHistoryLength),
		)
	}
	if config.TriggerMin <= 0 || config.TriggerMax < config.TriggerMin {
		errs = append(
			errs,
			fmt.Errorf(
				"invalid trigger range [%d, %d]",
				config.TriggerMin,
				config.TriggerMax,
			),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	channels, err := lru.New[string, *channelState](config.MaxChannels)
	if err != nil {
		return nil, fmt.Errorf("error creating channel cache: %w", err)
	}

	return &StateStore{
		maxHistoryLength: config.MaxHistoryLength,
		triggerMin:       config.TriggerMin,
		triggerMax:       config.TriggerMax,
		channels:         channels,
		randIntN:         rand.Intn,
	}, nil
}

// MaxHistoryLength returns the per-channel history bound
func (s *StateStore) MaxHistoryLength() int {
	return s.maxHistoryLength
}

func (s *StateStore) drawTarget() int {
	return s.triggerMin + s.randIntN(s.triggerMax-s.triggerMin+1)
}

// channel returns the state for channelID, creating it if needed
func (s *StateStore) channel(channelID string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs, ok := s.channels.Get(channelID); ok {
		return cs
	}
	cs := &channelState{target: s.drawTarget()}
	s.channels.Add(channelID, cs)
	return cs
}

// RecordUserTurn appends a user turn to the channel history
func (s *StateStore) RecordUserTurn(channelID string, turn Turn) {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.history = truncateHistory(append(cs.history, storedTurn(turn)), s.maxHistoryLength)
}

// RecordExchange appends a user turn and the assistant's reply
func (s *StateStore) RecordExchange(channelID string, user Turn, assistant Turn) {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.history = truncateHistory(
		append(cs.history, storedTurn(user), storedTurn(assistant)),
		s.maxHistoryLength,
	)
}

// IncrementAndCheck counts a message towards the ambient trigger, and
// reports whether the channel's target has been reached.
func (s *StateStore) IncrementAndCheck(channelID string) bool {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.counter++
	return cs.counter >= cs.target
}

// IncrementAndFire counts a message towards the ambient trigger. When
// the target is reached, the counter is zeroed and a new target drawn
// before the lock is released, so exactly one caller sees true per
// crossing.
func (s *StateStore) IncrementAndFire(channelID string) bool {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.counter++
	if cs.counter < cs.target {
		return false
	}
	cs.counter = 0
	cs.target = s.drawTarget()
	return true
}

// ResetTrigger zeroes the counter and draws a new target
func (s *StateStore) ResetTrigger(channelID string) {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.counter = 0
	cs.target = s.drawTarget()
}

// Clear forgets the channel entirely. It returns true if the channel
// had any history.
func (s *StateStore) Clear(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.channels.Peek(channelID)
	if !ok {
		return false
	}
	s.channels.Remove(channelID)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.history) > 0
}

// History returns a copy of the channel history, oldest first
func (s *StateStore) History(channelID string) []Turn {
	cs := s.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return slices.Clone(cs.history)
}

// Snapshot returns the channel's counter, target and history length,
// without creating the channel if it doesn't exist.
func (s *StateStore) Snapshot(channelID string) (ChannelSnapshot, bool) {
	cs, ok := s.channels.Peek(channelID)
	if !ok {
		return ChannelSnapshot{}, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return ChannelSnapshot{
		ChannelID:     channelID,
		Counter:       cs.counter,
		Target:        cs.target,
		HistoryLength: len(cs.history),
	}, true
}

// Snapshots returns a snapshot of every tracked channel, least recently
// used first.
func (s *StateStore) Snapshots() []ChannelSnapshot {
	keys := s.channels.Keys()
	snapshots := make([]ChannelSnapshot, 0, len(keys))
	for _, channelID := range keys {
		if snap, ok := s.Snapshot(channelID); ok {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// truncateHistory keeps the last maxLength turns. The result never
// shares its backing array with a longer slice.
func truncateHistory(history []Turn, maxLength int) []Turn {
	if len(history) <= maxLength {
		return history
	}
	return slices.Clone(history[len(history)-maxLength:])
}

func storedTurn(t Turn) Turn {
	t.Image = ""
	return t
}
