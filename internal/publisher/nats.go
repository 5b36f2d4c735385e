// Package publisher carries journey traffic over NATS: milestone events go
// out, vehicle location samples come in.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bus-journeys/internal/logging"
	"bus-journeys/internal/tracking"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS and keeps the connected gauge in step with the
// connection's lifecycle.
func Connect(url string, m PublisherMetrics, logger *slog.Logger) (*nats.Conn, error) {
	logger = logging.OrDefault(logger).With(slog.String("component", "nats"))
	nc, err := nats.Connect(url,
		nats.Name("bus-journeys"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

// MilestonePublisher implements tracking.Notifier on top of a NATS
// connection. Events are published as JSON on <prefix>.<assignmentId>.
type MilestonePublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
}

func NewMilestonePublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) *MilestonePublisher {
	return &MilestonePublisher{
		nc:          nc,
		prefix:      prefix,
		logSubjects: logSubjects,
		metrics:     m,
		logger:      logging.OrDefault(logger),
	}
}

func (p *MilestonePublisher) Notify(ctx context.Context, e tracking.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := milestoneSubject(p.prefix, e.AssignmentID)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", slog.String("subject", subject))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func milestoneSubject(prefix, assignmentID string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return subjectToken(assignmentID)
	}
	return fmt.Sprintf("%s.%s", prefix, subjectToken(assignmentID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Close drains the connection so in-flight messages are delivered.
func Close(nc *nats.Conn) {
	if nc == nil {
		return
	}
	_ = nc.Drain()
	nc.Close()
}
