// Package tasks carries background work (checksums, zips, storage audits)
// between the API and the worker through a queue, with per-target locking.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"physionet.org/internal/ids"
)

// Kind names a task handler.
type Kind string

const (
	KindChecksums Kind = "project.checksums"
	KindZip       Kind = "project.zip"
	KindStorage   Kind = "project.storage"
)

// Target types.
const (
	TargetPublished = "published"
	TargetActive    = "active"
)

var ErrInvalidMessage = errors.New("tasks: invalid message")

// Target identifies the object a task works on. Tasks on the same target
// never run concurrently.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (t Target) String() string { return t.Type + ":" + t.ID }

// LockKey is the mutual exclusion key shared by the API and the worker.
func (t Target) LockKey() string { return "physionet:lock:" + t.String() }

// Message is the typed task envelope written to the queue.
type Message struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Target     Target    `json:"target"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage stamps a message with a fresh id and time.
func NewMessage(kind Kind, target Target) Message {
	return Message{ID: ids.New(), Kind: kind, Target: target, EnqueuedAt: time.Now().UTC()}
}

func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case strings.TrimSpace(string(m.Kind)) == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	case m.Target.Type == "" || m.Target.ID == "":
		return fmt.Errorf("%w: missing target", ErrInvalidMessage)
	}
	return nil
}

func encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}
