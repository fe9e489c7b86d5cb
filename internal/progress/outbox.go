package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultraride/ridesync/internal/cache"
	"github.com/ultraride/ridesync/internal/ride"
)

const DefaultOutboxCapacity = 256

// PendingWrite is a step write that failed transiently and waits for replay.
type PendingWrite struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	EventID  string         `json:"eventId"`
	Write    ride.StepWrite `json:"write"`
	QueuedAt time.Time      `json:"queuedAt"`
	Attempts int            `json:"attempts"`
}

func (w PendingWrite) sameKey(other PendingWrite) bool {
	return w.Email == other.Email &&
		w.EventID == other.EventID &&
		w.Write.StepID == other.Write.StepID &&
		w.Write.Phase == other.Write.Phase
}

func NewPendingWrite(email, eventID string, write ride.StepWrite, now time.Time) PendingWrite {
	return PendingWrite{
		ID:       uuid.NewString(),
		Email:    ride.NormalizeEmail(email),
		EventID:  eventID,
		Write:    write,
		QueuedAt: now.UTC(),
	}
}

// Outbox holds pending writes in arrival order. A newer write for the same
// (identity, event, step, phase) replaces the older one in place.
type Outbox interface {
	Enqueue(w PendingWrite) error
	Pending() []PendingWrite
	Ack(id string) error
	MarkAttempt(id string) error
	Len() int
}

type memoryOutbox struct {
	mu       sync.Mutex
	capacity int
	items    []PendingWrite
}

func NewMemoryOutbox(capacity int) Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &memoryOutbox{capacity: capacity, items: []PendingWrite{}}
}

func (o *memoryOutbox) Enqueue(w PendingWrite) error {
	if strings.TrimSpace(w.ID) == "" {
		return &ride.ValidationError{Field: "id", Message: "pending write needs an id"}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = enqueuePending(o.items, w, o.capacity)
	return nil
}

func (o *memoryOutbox) Pending() []PendingWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PendingWrite(nil), o.items...)
}

func (o *memoryOutbox) Ack(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = removePending(o.items, id)
	return nil
}

func (o *memoryOutbox) MarkAttempt(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	markAttempt(o.items, id)
	return nil
}

func (o *memoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

type fileOutbox struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []PendingWrite
}

type fileOutboxState struct {
	Items []PendingWrite `json:"items"`
}

func NewFileOutbox(path string, capacity int) (Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ride.ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	o := &fileOutbox{
		path:     path,
		capacity: capacity,
		items:    []PendingWrite{},
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *fileOutbox) Enqueue(w PendingWrite) error {
	if strings.TrimSpace(w.ID) == "" {
		return &ride.ValidationError{Field: "id", Message: "pending write needs an id"}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.items
	o.items = enqueuePending(o.items, w, o.capacity)
	if err := o.saveLocked(); err != nil {
		o.items = prev
		return err
	}
	return nil
}

func (o *fileOutbox) Pending() []PendingWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PendingWrite(nil), o.items...)
}

func (o *fileOutbox) Ack(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.items
	o.items = removePending(o.items, id)
	if len(o.items) == len(prev) {
		return nil
	}
	if err := o.saveLocked(); err != nil {
		o.items = prev
		return err
	}
	return nil
}

func (o *fileOutbox) MarkAttempt(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !markAttempt(o.items, id) {
		return nil
	}
	return o.saveLocked()
}

func (o *fileOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *fileOutbox) load() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileOutboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > o.capacity {
		o.items = append([]PendingWrite(nil), snapshot.Items[len(snapshot.Items)-o.capacity:]...)
		return o.saveLocked()
	}
	o.items = append([]PendingWrite(nil), snapshot.Items...)
	return nil
}

func (o *fileOutbox) saveLocked() error {
	data, err := json.Marshal(fileOutboxState{Items: append([]PendingWrite(nil), o.items...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}

// BuildOutboxFromDSN picks the outbox medium: empty or memory:// keeps pending writes in
// process, file:// (or a bare path) keeps them across restarts.
func BuildOutboxFromDSN(dsn string, capacity int) (Outbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryOutbox(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrInvalidDSN, err)
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		path, pathErr := cache.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileOutbox(path, capacity)
	case "memory", "mem", "inmem":
		return NewMemoryOutbox(capacity), nil
	default:
		return nil, fmt.Errorf("%w: outbox %s", cache.ErrUnsupportedScheme, scheme)
	}
}

func enqueuePending(items []PendingWrite, w PendingWrite, capacity int) []PendingWrite {
	out := make([]PendingWrite, 0, len(items)+1)
	replaced := false
	for _, existing := range items {
		if existing.sameKey(w) {
			if !replaced {
				w.Attempts = existing.Attempts
				out = append(out, w)
				replaced = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, w)
	}
	if len(out) > capacity {
		out = out[len(out)-capacity:]
	}
	return out
}

func removePending(items []PendingWrite, id string) []PendingWrite {
	out := make([]PendingWrite, 0, len(items))
	for _, existing := range items {
		if existing.ID != id {
			out = append(out, existing)
		}
	}
	return out
}

func markAttempt(items []PendingWrite, id string) bool {
	for i := range items {
		if items[i].ID == id {
			items[i].Attempts++
			return true
		}
	}
	return false
}
