// Package notify publishes store change events to NATS so map renderers and
// other collaborators can react to committed mutations without polling.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event kinds.
const (
	KindFeature    = "feature"
	KindFeatureSet = "featureset"
	KindStore      = "store"
)

// Event actions.
const (
	ActionInsert     = "insert"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionVisibility = "visibility"
	ActionChanged    = "changed"
)

// Event describes one committed mutation. ID and SetID are zero when the
// event is not scoped to a single record.
type Event struct {
	Kind      string    `json:"kind"`
	Action    string    `json:"action"`
	ID        int64     `json:"id,omitempty"`
	SetID     int64     `json:"set_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes events under a subject prefix, one subject per event
// kind (e.g. "featuredb.changes.feature").
type Publisher struct {
	nc       *nats.Conn
	prefix   string
	ownsConn bool
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(url, subjectPrefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("featured"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p := NewPublisher(nc, subjectPrefix)
	p.ownsConn = true
	return p, nil
}

// NewPublisher wraps an existing connection. The caller keeps ownership.
func NewPublisher(nc *nats.Conn, subjectPrefix string) *Publisher {
	return &Publisher{nc: nc, prefix: subjectPrefix}
}

// Publish emits one event. The timestamp is stamped here if unset.
func (p *Publisher) Publish(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.nc.Publish(p.prefix+"."+ev.Kind, data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Close flushes pending events and, if the publisher owns the connection,
// closes it.
func (p *Publisher) Close() error {
	if !p.ownsConn {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
