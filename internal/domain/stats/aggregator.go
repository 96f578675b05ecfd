// Package stats asynchronously persists per-request performance samples.
// Recording is fire-and-forget: the hot path never blocks on the store,
// and a full queue drops the oldest sample rather than the newest.
package stats

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dproxy-io/dproxy/internal/domain/pipeline"
	"github.com/dproxy-io/dproxy/internal/domain/record"
)

// DefaultQueueSize is the default bounded queue depth.
const DefaultQueueSize = 1024

// ModeProvider reports the current proxy mode. Replay-mode responses are
// never sampled.
type ModeProvider interface {
	CurrentMode() record.Mode
}

// Aggregator buffers samples and drains them to the store on a single
// goroutine. It implements pipeline.StatsRecorder.
type Aggregator struct {
	store  record.StatsStore
	mode   ModeProvider
	logger *slog.Logger

	queue   chan *record.StatsRow
	dropped atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ pipeline.StatsRecorder = (*Aggregator)(nil)

// NewAggregator creates an aggregator with the given queue depth (zero
// selects the default) and starts its drain goroutine.
func NewAggregator(store record.StatsStore, mode ModeProvider, queueSize int, logger *slog.Logger) *Aggregator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Aggregator{
		store:  store,
		mode:   mode,
		logger: logger,
		queue:  make(chan *record.StatsRow, queueSize),
		stop:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.drain()
	return a
}

// Record implements pipeline.StatsRecorder. It never blocks: when the
// queue is full the oldest queued sample is discarded.
func (a *Aggregator) Record(rc *pipeline.RequestContext, resp *pipeline.ResponseContext) {
	if a.mode.CurrentMode() == record.ModeReplay {
		return
	}
	row := buildRow(rc, resp)
	for {
		select {
		case a.queue <- row:
			return
		default:
		}
		select {
		case <-a.queue:
			a.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many samples were discarded due to backpressure.
func (a *Aggregator) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops the drain goroutine after flushing queued samples.
func (a *Aggregator) Close() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Aggregator) drain() {
	defer a.wg.Done()
	for {
		select {
		case row := <-a.queue:
			a.insert(row)
		case <-a.stop:
			for {
				select {
				case row := <-a.queue:
					a.insert(row)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) insert(row *record.StatsRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.InsertStats(ctx, row); err != nil {
		a.logger.Warn("stats insert failed", "error", err)
	}
}

// buildRow extracts one sample from a finalized exchange. Host and path
// come from the forwarder's target URL when present, then the inbound
// URL, then the Host header, and finally "unknown".
func buildRow(rc *pipeline.RequestContext, resp *pipeline.ResponseContext) *record.StatsRow {
	host, path := extractHostPath(rc, resp)
	return &record.StatsRow{
		Host:           host,
		EndpointPath:   path,
		Method:         rc.Current.Method,
		AppPlatform:    rc.Meta.AppPlatform,
		AppVersion:     rc.Meta.AppVersion,
		AppEnvironment: rc.Meta.AppEnvironment,
		AppLanguage:    rc.Meta.AppLanguage,
		ResponseStatus: resp.Status,
		ResponseLength: responseLength(resp),
		LatencyMs:      resp.Latency.Milliseconds(),
		CreatedAt:      time.Now(),
	}
}

func extractHostPath(rc *pipeline.RequestContext, resp *pipeline.ResponseContext) (string, string) {
	if resp.TargetURL != "" {
		if u, err := url.Parse(resp.TargetURL); err == nil && u.Host != "" {
			return u.Hostname(), cleanPath(u.Path)
		}
	}
	host, path := rc.Original.Host, rc.Original.Path
	if host == "" {
		host, path = rc.Current.Header.Get("Host"), rc.Current.Path
	}
	if host != "" {
		return hostOnly(host), cleanPath(path)
	}
	return "unknown", cleanPath(rc.Current.Path)
}

// cleanPath strips query string and fragment remnants from a path.
func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i != -1 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}

func hostOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func responseLength(resp *pipeline.ResponseContext) int64 {
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return int64(len(resp.Body))
}
