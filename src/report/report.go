package report

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Result is the outcome of one quantity in one sampling cycle.
type Result struct {
	Name        string    `json:"quantity"`
	Sensors     []string  `json:"sensors"`
	Batch       []float32 `json:"readings"`
	Estimate    float32   `json:"estimate"`
	Uncertainty float32   `json:"uncertainty"`
	Degraded    bool      `json:"degraded"`
}

// Cycle is everything one sampling cycle produced. Quantities whose sensors could
// not be read are absent.
type Cycle struct {
	Time       time.Time
	Quantities []Result
}

func (c Cycle) Lookup(name string) (Result, bool) {
	for _, r := range c.Quantities {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}

// Snapshot returns the estimates of the cycle keyed by quantity.
func (c Cycle) Snapshot() Snapshot {
	values := make(map[string]float32, len(c.Quantities))
	for _, r := range c.Quantities {
		values[r.Name] = r.Estimate
	}
	return Snapshot{Values: values, Timestamp: c.Time}
}

// Sink consumes published cycles.
type Sink interface {
	Publish(c Cycle) error
}

// Publisher fans a cycle out to every sink. A failing sink is logged and does
// not stop the others.
type Publisher struct {
	sinks []Sink
}

func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks}
}

func (pub *Publisher) Add(s Sink) {
	pub.sinks = append(pub.sinks, s)
}

func (pub *Publisher) Publish(c Cycle) error {
	var failed int
	for _, s := range pub.sinks {
		if err := s.Publish(c); err != nil {
			failed++
			log.WithFields(log.Fields{
				"SINK":  fmt.Sprintf("%T", s),
				"ERROR": err,
			}).Warn("publish failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sinks failed", failed, len(pub.sinks))
	}
	return nil
}

// Snapshot is the flat {"ec": ..., "ph": ..., "timestamp": ...} record served by
// the API and kept in the history.
type Snapshot struct {
	Values    map[string]float32
	Timestamp time.Time
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Values)+1)
	for k, v := range s.Values {
		m[k] = v
	}
	m["timestamp"] = s.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(m)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Values = make(map[string]float32, len(raw))
	for k, v := range raw {
		if k == "timestamp" {
			var ts string
			if err := json.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("timestamp: %w", err)
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return fmt.Errorf("timestamp: %w", err)
			}
			s.Timestamp = t
			continue
		}
		var f float32
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		s.Values[k] = f
	}
	return nil
}

// Latest keeps the last known estimate of every quantity. It is read by the API
// goroutines while the control loop writes it. Its timestamp is that of the
// least recently updated quantity, so a value kept across failed reads never
// looks fresher than it is.
type Latest struct {
	mu      sync.RWMutex
	snap    Snapshot
	updated map[string]time.Time
}

func NewLatest() *Latest {
	return &Latest{
		snap:    Snapshot{Values: map[string]float32{}},
		updated: map[string]time.Time{},
	}
}

// Publish merges the cycle. A cycle in which every read failed is skipped.
func (l *Latest) Publish(c Cycle) error {
	if len(c.Quantities) == 0 {
		return nil
	}
	l.Merge(c.Snapshot())
	return nil
}

// Merge overwrites the quantities present in s and stamps them with s.Timestamp.
func (l *Latest) Merge(s Snapshot) {
	if len(s.Values) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range s.Values {
		l.snap.Values[k] = v
		l.updated[k] = s.Timestamp
	}
	var oldest time.Time
	for _, t := range l.updated {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	l.snap.Timestamp = oldest
}

// Updated returns when name was last merged.
func (l *Latest) Updated(name string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.updated[name]
	return t, ok
}

// Get returns a copy.
func (l *Latest) Get() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	values := make(map[string]float32, len(l.snap.Values))
	for k, v := range l.snap.Values {
		values[k] = v
	}
	return Snapshot{Values: values, Timestamp: l.snap.Timestamp}
}
