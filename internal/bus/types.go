package bus

import (
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload delivered by a Topic.
type Envelope[T any] struct {
	EventID     string    `json:"event_id"`
	Seq         uint64    `json:"seq"`
	PublishedAt time.Time `json:"ts"`
	Payload     T         `json:"payload"`
}

func newEnvelope[T any](seq uint64, payload T) Envelope[T] {
	return Envelope[T]{
		EventID:     uuid.New().String(),
		Seq:         seq,
		PublishedAt: time.Now(),
		Payload:     payload,
	}
}

// TopicStats reports publish and per-subscriber drop counters.
type TopicStats struct {
	Name        string `json:"name"`
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}
