// Package media fetches and caches story media for the playback engine.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"story-playback/internal/platform/metrics"
	"story-playback/internal/playback"
	"story-playback/internal/stories"
)

var (
	// ErrNoMediaRef is reported for items without a media locator.
	ErrNoMediaRef = errors.New("item has no media ref")
	// ErrUnsupportedRef is reported for locators that are neither cached nor http(s).
	ErrUnsupportedRef = errors.New("unsupported media ref")
	// ErrTooLarge is reported when a payload exceeds Config.MaxBytes.
	ErrTooLarge = errors.New("media payload too large")
)

const (
	defaultWorkers      = 2
	defaultQueueSize    = 16
	defaultCacheEntries = 32
	defaultMaxBytes     = 64 << 20
	defaultFetchTimeout = 30 * time.Second
)

// Config configures a Prefetcher.
type Config struct {
	// Workers bounds concurrent low-priority fetches.
	Workers      int
	QueueSize    int
	CacheEntries int
	MaxBytes     int64
	FetchTimeout time.Duration
	// Token, when set, is sent as a bearer token on media requests.
	Token      string
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = defaultCacheEntries
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Command is the playback command last issued for an item.
type Command string

const (
	CommandNone  Command = "none"
	CommandPlay  Command = "play"
	CommandPause Command = "pause"
)

// Status is the media state of one item as exposed to the rendering shell.
type Status struct {
	StoryID  stories.StoryID `json:"story_id"`
	MediaRef string          `json:"media_ref"`
	Kind     stories.Kind    `json:"kind"`
	Cached   bool            `json:"cached"`
	Command  Command         `json:"command"`
	Error    string          `json:"error,omitempty"`
}

type entry struct {
	ref      string
	kind     stories.Kind
	fetching bool
	err      error
	command  Command
	released bool
}

type job struct {
	id  stories.StoryID
	ref string
}

// Prefetcher implements playback.Media over HTTP with an LRU byte cache.
// High-priority loads start at once; low-priority loads wait for one of a
// fixed number of workers. Results are handed to deliver, which must not
// block.
type Prefetcher struct {
	cfg     Config
	cache   *lru.Cache[string, []byte]
	deliver func(playback.MediaEvent)
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[stories.StoryID]*entry

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Prefetcher. Call Close to stop its workers.
func New(cfg Config, deliver func(playback.MediaEvent), log *slog.Logger, m *metrics.Metrics) (*Prefetcher, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []byte](cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("create media cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		cfg:     cfg,
		cache:   cache,
		deliver: deliver,
		log:     log,
		metrics: m,
		entries: make(map[stories.StoryID]*entry),
		queue:   make(chan job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Close stops the workers and aborts in-flight fetches.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}

// Seed stores data under ref, so items pointing at ref are ready at once.
// Used for locally captured drafts.
func (p *Prefetcher) Seed(ref string, data []byte) {
	p.cache.Add(ref, data)
}

// Content returns the cached bytes of the item's media.
func (p *Prefetcher) Content(id stories.StoryID) ([]byte, bool) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.cache.Get(e.ref)
}

// Status returns the media state of id.
func (p *Prefetcher) Status(id stories.StoryID) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return Status{}, false
	}
	st := Status{
		StoryID:  id,
		MediaRef: e.ref,
		Kind:     e.kind,
		Cached:   p.cache.Contains(e.ref),
		Command:  e.command,
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	return st, true
}

// Load implements playback.Media.
func (p *Prefetcher) Load(item stories.Item, priority playback.Priority) {
	if p.ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[item.ID]
	if !ok || e.ref != item.MediaRef {
		e = &entry{ref: item.MediaRef, kind: item.Kind, command: CommandNone}
		p.entries[item.ID] = e
	}
	if e.fetching {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if item.MediaRef == "" {
		p.finish(item.ID, e, ErrNoMediaRef)
		return
	}
	if p.cache.Contains(item.MediaRef) {
		p.finish(item.ID, e, nil)
		return
	}

	j := job{id: item.ID, ref: item.MediaRef}
	if priority == playback.PriorityHigh {
		p.mu.Lock()
		e.fetching = true
		p.mu.Unlock()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(j, e)
		}()
		return
	}

	select {
	case p.queue <- j:
	default:
		p.log.Debug("prefetch queue full, skipping", slog.String("story_id", string(item.ID)))
	}
}

// Play implements playback.Media.
func (p *Prefetcher) Play(id stories.StoryID) { p.setCommand(id, CommandPlay) }

// Pause implements playback.Media.
func (p *Prefetcher) Pause(id stories.StoryID) { p.setCommand(id, CommandPause) }

// Release implements playback.Media. Bytes stay cached.
func (p *Prefetcher) Release(id stories.StoryID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[id]; ok {
		e.released = true
		delete(p.entries, id)
	}
}

func (p *Prefetcher) setCommand(id stories.StoryID, c Command) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[id]; ok {
		e.command = c
	}
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.mu.Lock()
			e, ok := p.entries[j.id]
			claim := ok && !e.fetching && e.ref == j.ref
			if claim {
				e.fetching = true
			}
			p.mu.Unlock()
			if claim {
				p.run(j, e)
			}
		}
	}
}

func (p *Prefetcher) run(j job, e *entry) {
	if p.cache.Contains(j.ref) {
		p.finish(j.id, e, nil)
		return
	}
	data, err := p.fetch(j.ref)
	if err == nil {
		p.cache.Add(j.ref, data)
	}
	p.finish(j.id, e, err)
}

// finish records the outcome and reports it unless the item was released.
func (p *Prefetcher) finish(id stories.StoryID, e *entry, err error) {
	p.mu.Lock()
	e.fetching = false
	e.err = err
	released := e.released
	p.mu.Unlock()

	if err != nil {
		p.metrics.IncTransportFailures("media")
		p.log.Warn("media fetch failed", slog.String("story_id", string(id)), slog.String("error", err.Error()))
	}
	if released {
		return
	}
	if err != nil {
		p.deliver(playback.MediaErrored{StoryID: id, Err: err})
		return
	}
	p.deliver(playback.MediaReady{StoryID: id})
}

func (p *Prefetcher) fetch(ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > p.cfg.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

var _ playback.Media = (*Prefetcher)(nil)
