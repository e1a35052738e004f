// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to every published subject.
const SubjectPrefix = "edgefleet"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes run and step finish events as JSON to
// edgefleet.<event type>.<node>. Start and log events are not published.
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	logger *slog.Logger

	mu  sync.Mutex
	seq int64
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("edgefleet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{pub: nc, conn: nc, logger: logger}, nil
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, logger *slog.Logger) *NATSSink {
	if pub == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, logger: logger}
}

// Close drains the owned connection, if any.
func (s *NATSSink) Close() {
	if s == nil || s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.logger.Debug("nats drain", "error", err)
	}
	s.conn.Close()
}

// Subject returns the subject an event of eventType for node is published on.
func Subject(eventType, node string) string {
	node = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(node)
	if node == "" {
		node = "fleet"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, eventType, node)
}

func (s *NATSSink) publish(ev RunEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	ev.Sequence = s.seq
	s.mu.Unlock()
	ev.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encode event", "type", ev.Type, "error", err)
		return
	}
	subject := Subject(ev.Type, ev.Node)
	if err := s.pub.Publish(subject, payload); err != nil {
		s.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

func (s *NATSSink) EmitRunStart(string, string) {}

func (s *NATSSink) EmitRunFinish(runID, node, status string, err error) {
	s.publish(RunEvent{Type: TypeRunFinish, RunID: runID, Node: node, Data: runFinishData(status, err)})
}

func (s *NATSSink) EmitStepStart(string, string, string, int) {}

func (s *NATSSink) EmitStepLog(string, string, string, string, string) {}

func (s *NATSSink) EmitStepFinish(runID, node, step string, res StepResult) {
	s.publish(RunEvent{Type: TypeStepFinish, RunID: runID, Node: node, Step: step, Data: res.data()})
}
