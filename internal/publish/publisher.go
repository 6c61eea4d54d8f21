// Package publish hands a completed dump artifact to its consumers: an upload
// to R2 when configured, retention of older uploads, and notifications.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
	"github.com/jorgepascosoto/resumable-db-dump/internal/metrics"
	"github.com/jorgepascosoto/resumable-db-dump/internal/notify"
	"github.com/jorgepascosoto/resumable-db-dump/internal/progress"
	"github.com/jorgepascosoto/resumable-db-dump/internal/storage"
)

// Source opens a local artifact for reading.
type Source interface {
	Open(key string) (io.ReadCloser, int64, error)
}

// Remote is the object store that receives published dumps.
type Remote interface {
	storage.DumpLister
	Upload(ctx context.Context, key string, body io.Reader) error
	Prefix() string
}

type Notifier interface {
	Notify(ctx context.Context, summary *notify.DumpSummary) error
}

type Option func(*Publisher)

// WithRemote enables uploads. Without it artifacts stay in local storage.
func WithRemote(r Remote) Option {
	return func(p *Publisher) { p.remote = r }
}

func WithRetention(policy storage.RetentionPolicy) Option {
	return func(p *Publisher) { p.retention = policy }
}

func WithNotifier(n Notifier) Option {
	return func(p *Publisher) { p.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithDatabase names the source database in summaries.
func WithDatabase(dbType, name string) Option {
	return func(p *Publisher) {
		p.databaseType = dbType
		p.databaseName = name
	}
}

type Publisher struct {
	source       Source
	remote       Remote
	retention    storage.RetentionPolicy
	notifier     Notifier
	metrics      *metrics.Metrics
	databaseType string
	databaseName string
	now          func() time.Time
}

func New(source Source, opts ...Option) *Publisher {
	p := &Publisher{source: source, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish uploads a completed artifact, prunes old uploads, and reports the
// outcome. Retention and notification failures are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, dumpName string) (*notify.DumpSummary, error) {
	summary := &notify.DumpSummary{
		DatabaseType: p.databaseType,
		DatabaseName: p.databaseName,
		DumpName:     dumpName,
	}
	if started, err := progress.ParseDumpName(dumpName); err == nil {
		summary.Duration = p.now().Sub(started)
	}

	err := p.publish(ctx, dumpName, summary)
	summary.Success = err == nil
	summary.Error = err
	p.metrics.ObservePublish(summary.Success, summary.Size)

	p.sendNotifications(ctx, summary)
	return summary, err
}

func (p *Publisher) publish(ctx context.Context, dumpName string, summary *notify.DumpSummary) error {
	logger := log.WithField("dump", dumpName)

	body, size, err := p.source.Open(dumpName)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer body.Close()
	summary.Size = size

	if p.remote == nil {
		logger.Info("No remote storage configured; dump kept locally")
		return nil
	}

	logger.Info("Uploading dump to R2...")
	counter := newStatementCounter(body)
	if err := p.remote.Upload(ctx, dumpName, counter); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrUploadFailed, err)
	}
	summary.ObjectKey = p.remote.Prefix() + dumpName
	summary.Tables, summary.Rows = counter.tables, counter.rows
	logger.WithField("key", summary.ObjectKey).Infof("Uploaded %d bytes", size)

	if p.retention.IsEnabled() {
		result, err := storage.ApplyRetention(ctx, p.remote, p.retention, dumpName)
		if err != nil {
			logger.Warnf("Retention policy failed: %v", err)
		} else {
			summary.DeletedDumps = result.DeletedCount
			if result.DeletedCount > 0 {
				logger.Infof("Deleted %d old dump(s)", result.DeletedCount)
			}
		}
	}
	return nil
}

func (p *Publisher) sendNotifications(ctx context.Context, summary *notify.DumpSummary) {
	if err := notify.WriteGitHubSummary(summary); err != nil {
		log.Warnf("Failed to write GitHub summary: %v", err)
	}
	if summary.Success {
		if err := notify.SetGitHubOutput("dump_name", summary.DumpName); err != nil {
			log.Warnf("Failed to set dump_name output: %v", err)
		}
		if err := notify.SetGitHubOutput("dump_size", fmt.Sprintf("%d", summary.Size)); err != nil {
			log.Warnf("Failed to set dump_size output: %v", err)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, summary); err != nil {
			log.Warnf("Webhook notification failed: %v", err)
		}
	}
}

// statementCounter counts CREATE TABLE and INSERT statements that start a
// line of the artifact as it streams through.
type statementCounter struct {
	r       io.Reader
	partial []byte
	tables  int
	rows    int64
}

func newStatementCounter(r io.Reader) *statementCounter {
	return &statementCounter{r: r}
}

var (
	createPrefix = []byte("CREATE TABLE ")
	insertPrefix = []byte("INSERT INTO ")
)

func (c *statementCounter) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	data := b[:n]
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			c.partial = appendLineStart(c.partial, data)
			break
		}
		c.count(appendLineStart(c.partial, data[:i]))
		c.partial = c.partial[:0]
		data = data[i+1:]
	}
	if err == io.EOF && len(c.partial) > 0 {
		c.count(c.partial)
		c.partial = c.partial[:0]
	}
	return n, err
}

// appendLineStart keeps only as much of a line as the prefixes need.
func appendLineStart(line, data []byte) []byte {
	if room := len(createPrefix) - len(line); room > 0 {
		line = append(line, data[:min(room, len(data))]...)
	}
	return line
}

func (c *statementCounter) count(line []byte) {
	switch {
	case bytes.HasPrefix(line, createPrefix):
		c.tables++
	case bytes.HasPrefix(line, insertPrefix):
		c.rows++
	}
}
