// Package deadletter records events that failed irrecoverably. Each entry is
// republished to the dead-letter topic and archived as a JSON object.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/shandysiswandi/notifyd/internal/pkg/messaging"
	"github.com/shandysiswandi/notifyd/internal/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("deadletter: entry not found")

// ErrArchiveDisabled is returned by reads when no storage is configured.
var ErrArchiveDisabled = errors.New("deadletter: archive is not configured")

// Stage is where in the pipeline the event failed.
type Stage string

const (
	StageDecode   Stage = "decode"
	StageDispatch Stage = "dispatch"
)

// Headers set on dead-letter topic messages.
const (
	HeaderStage   = "x-dlq-stage"
	HeaderReason  = "x-dlq-reason"
	HeaderEventID = "x-dlq-event-id"
	HeaderFailed  = "x-dlq-failed-at"
)

// TaskSummary describes one failed or finished delivery of the event.
type TaskSummary struct {
	ID        uint64 `json:"id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Attempts  int    `json:"attempts"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Entry is one dead-lettered event. Payload holds the raw message body.
type Entry struct {
	Key       string        `json:"key,omitempty"`
	EventID   string        `json:"eventId,omitempty"`
	EventType string        `json:"eventType,omitempty"`
	Stage     Stage         `json:"stage"`
	Reason    string        `json:"reason"`
	Error     string        `json:"error,omitempty"`
	Tasks     []TaskSummary `json:"tasks,omitempty"`
	Payload   []byte        `json:"payload"`
	FailedAt  time.Time     `json:"failedAt"`
}

type Dependency struct {
	// Publisher and Storage are both optional; a nil one is skipped.
	Publisher messaging.Publisher
	Storage   storage.Storage
	Topic     string
	// Prefix is the archive key prefix, "dead-letters" by default.
	Prefix string
	Clock  clock.Clocker
}

// Sink fans entries out to the dead-letter topic and the archive.
type Sink struct {
	publisher messaging.Publisher
	storage   storage.Storage
	topic     string
	prefix    string
	clock     clock.Clocker
}

func New(dep Dependency) *Sink {
	s := &Sink{
		publisher: dep.Publisher,
		storage:   dep.Storage,
		topic:     dep.Topic,
		prefix:    strings.Trim(dep.Prefix, "/"),
		clock:     dep.Clock,
	}
	if s.prefix == "" {
		s.prefix = "dead-letters"
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s
}

// Put stamps e with its failure time and archive key and writes it to every
// configured destination. Destinations are independent: a failed publish
// does not cancel the archive write. The returned entry carries the key.
func (s *Sink) Put(ctx context.Context, e Entry) (Entry, error) {
	if e.FailedAt.IsZero() {
		e.FailedAt = s.clock.Now().UTC()
	}
	e.Key = s.key(e)

	var g errgroup.Group
	if s.publisher != nil && s.topic != "" {
		g.Go(func() error { return s.publish(ctx, e) })
	}
	if s.storage != nil {
		g.Go(func() error { return s.archive(ctx, e) })
	}
	return e, g.Wait()
}

func (s *Sink) key(e Entry) string {
	id := e.EventID
	if id == "" {
		id = "unknown"
	}
	at := e.FailedAt.UTC()
	name := strconv.FormatInt(at.UnixNano(), 10) + "-" + url.PathEscape(id) + ".json"
	return path.Join(s.prefix, at.Format("2006/01/02"), name)
}

func (s *Sink) publish(ctx context.Context, e Entry) error {
	headers := []messaging.Header{
		{Key: HeaderStage, Value: []byte(e.Stage)},
		{Key: HeaderReason, Value: []byte(e.Reason)},
		{Key: HeaderFailed, Value: []byte(e.FailedAt.Format(time.RFC3339Nano))},
	}
	if e.EventID != "" {
		headers = append(headers, messaging.Header{Key: HeaderEventID, Value: []byte(e.EventID)})
	}

	_, err := s.publisher.Publish(ctx, s.topic, messaging.OutgoingMessage{
		Body:    e.Payload,
		Key:     []byte(e.EventID),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("deadletter: publish %s: %w", s.topic, err)
	}
	return nil
}

func (s *Sink) archive(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}

	_, err = s.storage.Put(ctx, e.Key, bytes.NewReader(data), storage.PutOptions{
		Size:        int64(len(data)),
		ContentType: "application/json",
		Metadata:    map[string]string{"stage": string(e.Stage), "reason": e.Reason},
	})
	if err != nil {
		return fmt.Errorf("deadletter: archive: %w", err)
	}
	return nil
}

// Get reads one archived entry.
func (s *Sink) Get(ctx context.Context, key string) (Entry, error) {
	if s.storage == nil {
		return Entry{}, ErrArchiveDisabled
	}

	rc, _, err := s.storage.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("deadletter: get: %w", err)
	}
	defer rc.Close()

	var e Entry
	if err := json.NewDecoder(rc).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("deadletter: decode %s: %w", key, err)
	}
	return e, nil
}

// List returns up to limit entries archived on day, oldest first.
func (s *Sink) List(ctx context.Context, day time.Time, limit int) ([]Entry, error) {
	if s.storage == nil {
		return nil, ErrArchiveDisabled
	}

	prefix := path.Join(s.prefix, day.UTC().Format("2006/01/02")) + "/"
	objects, err := s.storage.List(ctx, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}

	entries := make([]Entry, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, obj := range objects {
		g.Go(func() error {
			e, err := s.Get(gctx, obj.Key)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}
