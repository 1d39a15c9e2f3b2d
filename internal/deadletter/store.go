// Package deadletter moves dead-lettered messages into a store operators can inspect.
package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotFound is returned when no archived message has the requested id
var ErrNotFound = errors.New("deadletter: message not found")

// FailedMessage is a dead-lettered message kept for operator inspection
type FailedMessage struct {
	ID            string     `json:"id"`
	Queue         string     `json:"queue"`
	Exchange      string     `json:"exchange"`
	RoutingKey    string     `json:"routingKey"`
	EventType     string     `json:"eventType,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	ContentType   string     `json:"contentType,omitempty"`
	Headers       amqp.Table `json:"headers,omitempty"`
	Body          []byte     `json:"body"`
	Reason        string     `json:"reason,omitempty"`
	RetryCount    int        `json:"retryCount"`
	DeathCount    int        `json:"deathCount"`
	FirstDeathAt  time.Time  `json:"firstDeathAt,omitempty"`
	ArchivedAt    time.Time  `json:"archivedAt"`
}

// Filter narrows List results
type Filter struct {
	Queue      string
	Since      time.Time
	Until      time.Time
	MaxResults int
}

// Store persists failed messages
type Store interface {
	Store(ctx context.Context, message FailedMessage) error
	Get(ctx context.Context, id string) (*FailedMessage, error)
	List(ctx context.Context, filter Filter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps failed messages in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]FailedMessage)}
}

// Store implements Store; a message with a known id replaces the old one
func (s *MemoryStore) Store(_ context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

// List implements Store, newest first
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]FailedMessage, error) {
	s.mu.RLock()
	results := make([]FailedMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.matches(msg) {
			results = append(results, msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].ArchivedAt.After(results[j].ArchivedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (f Filter) matches(msg FailedMessage) bool {
	if f.Queue != "" && msg.Queue != f.Queue {
		return false
	}
	if !f.Since.IsZero() && msg.ArchivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && msg.ArchivedAt.After(f.Until) {
		return false
	}
	return true
}
