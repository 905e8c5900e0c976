// Package feed delivers server change notifications.
//
// A Source yields one Event per changed row. Transports own their
// reconnection; after a reconnect they emit a Resync event because
// notifications sent while disconnected are lost.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Op is the kind of change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	// OpResync means the transport reconnected and may have missed events.
	OpResync Op = "RESYNC"
)

// Event is one change notification. RecordID is empty when the transport
// did not name the row.
type Event struct {
	Table    string
	Op       Op
	RecordID string
}

// Resync reports whether the event is a reconnect marker.
func (e Event) Resync() bool {
	return e.Op == OpResync
}

// Source is a subscribable change feed. The returned channel is closed when
// ctx is done.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type wireEvent struct {
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	RecordID  json.RawMessage `json:"record_id"`
}

// DecodeEvent parses a JSON notification of the form
// {"table": "nodes", "type": "UPDATE", "record_id": "..."}. The realtime
// spelling "eventType" is accepted for the operation.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.Table == "" {
		return Event{}, fmt.Errorf("decode event: missing table")
	}
	opName := w.Type
	if opName == "" {
		opName = w.EventType
	}
	op := Op(strings.ToUpper(opName))
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Event{}, fmt.Errorf("decode event: unknown operation %q", opName)
	}
	id, err := recordID(w.RecordID)
	if err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return Event{Table: w.Table, Op: op, RecordID: id}, nil
}

func recordID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("record_id must be a string or number")
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
