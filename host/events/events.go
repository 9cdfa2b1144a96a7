// Package events publishes update progress and results to NATS so a
// flashing station can be monitored remotely.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"fwflash/host/updater"
	"fwflash/protocol"
)

// Default subjects
const (
	DefaultSubject = "fwflash"
	ProgressSuffix = "progress"
	ResultSuffix   = "result"
)

// Conn is the part of *nats.Conn used for publishing
type Conn interface {
	Publish(subject string, data []byte) error
}

// ProgressEvent is published for every progress report
type ProgressEvent struct {
	Device       string  `json:"device"`
	Phase        string  `json:"phase"`
	BytesWritten int     `json:"bytes_written"`
	TotalBytes   int     `json:"total_bytes"`
	Percentage   float64 `json:"percentage"`
	ElapsedMs    int64   `json:"elapsed_ms"`
}

// ResultEvent is published once when the session ends
type ResultEvent struct {
	Device    string         `json:"device"`
	Image     string         `json:"image"`
	Bytes     int            `json:"bytes"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Link      protocol.Stats `json:"link"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher sends session events under a subject prefix
type Publisher struct {
	conn    Conn
	subject string
	device  string
	logger  protocol.Logger
}

// Connect opens a NATS connection for the flasher
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("fwflash"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// NewPublisher creates a publisher for the session on device.
// An empty subject selects DefaultSubject.
func NewPublisher(conn Conn, subject, device string, logger protocol.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		device:  device,
		logger:  logger,
	}
}

// Progress publishes p. It has the updater.ProgressCallback signature.
func (p *Publisher) Progress(pr updater.Progress) {
	p.publish(ProgressSuffix, ProgressEvent{
		Device:       p.device,
		Phase:        pr.Phase,
		BytesWritten: pr.BytesWritten,
		TotalBytes:   pr.TotalBytes,
		Percentage:   pr.Percentage,
		ElapsedMs:    pr.ElapsedTime.Milliseconds(),
	})
}

// Result publishes the outcome of a session
func (p *Publisher) Result(image string, bytes int, elapsed time.Duration, stats protocol.Stats, err error) {
	ev := ResultEvent{
		Device:    p.device,
		Image:     image,
		Bytes:     bytes,
		Success:   err == nil,
		ElapsedMs: elapsed.Milliseconds(),
		Link:      stats,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish(ResultSuffix, ev)
}

func (p *Publisher) publish(suffix string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logError("failed to encode event", "error", err)
		return
	}

	subject := fmt.Sprintf("%s.%s", p.subject, suffix)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logError("failed to publish event", "subject", subject, "error", err)
	}
}

func (p *Publisher) logError(msg string, keysAndValues ...interface{}) {
	if p.logger != nil {
		p.logger.Error(msg, keysAndValues...)
	}
}
