// Package provider implements the member filesystem contract against a
// remote host session.
//
// It is the orchestrator between the path codec, the stat cache, the
// source-date overlay, and the remote content gateway. All staleness is
// bounded by explicit invalidation: writes and renames clear their cache
// entries before touching the host, and a disconnect clears everything.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crisrivlop/qsysfs/internal/fserr"
	"github.com/crisrivlop/qsysfs/internal/ident"
	"github.com/crisrivlop/qsysfs/internal/logging"
	"github.com/crisrivlop/qsysfs/internal/metrics"
	"github.com/crisrivlop/qsysfs/internal/session"
	"github.com/crisrivlop/qsysfs/internal/sourcedates"
	"github.com/crisrivlop/qsysfs/internal/statcache"
)

// FileType classifies a stat result.
type FileType int

const (
	TypeFile FileType = iota + 1
	TypeDirectory
)

// FileInfo is the metadata returned by Stat.
type FileInfo struct {
	Type     FileType
	Created  time.Time
	Changed  time.Time
	Size     int64
	ReadOnly bool
}

// WriteOptions mirrors the editor write contract. Create and Overwrite are
// accepted for contract compatibility; the host write replaces content
// unconditionally either way.
type WriteOptions struct {
	Create    bool
	Overwrite bool
}

// Disposable releases a watch registration.
type Disposable func()

// ChangeEvent would describe a remote-side change. The provider never emits
// one: change detection is cache-invalidation-driven, not event-driven.
type ChangeEvent struct {
	URI string
}

// Config holds provider construction parameters.
type Config struct {
	Source   session.Source
	Notifier sourcedates.Notifier // nil logs notices
}

// Provider translates filesystem operations into remote member access.
type Provider struct {
	source  session.Source
	cache   *statcache.Cache
	overlay *sourcedates.Overlay
	changes chan ChangeEvent

	mu                    sync.Mutex
	extendedMemberSupport bool
	readOnly              bool
}

// New creates a provider. The overlay starts disabled until a Connected
// event enables it.
func New(cfg Config) *Provider {
	return &Provider{
		source:  cfg.Source,
		cache:   statcache.New(),
		overlay: sourcedates.New(cfg.Notifier),
		changes: make(chan ChangeEvent),
	}
}

// Changes returns the change-notification stream. No event is ever sent on
// it today; consumers must tolerate silence.
func (p *Provider) Changes() <-chan ChangeEvent {
	return p.changes
}

// ExtendedMemberSupport reports whether the source-date overlay is active.
func (p *Provider) ExtendedMemberSupport() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extendedMemberSupport
}

// HandleEvent reacts to one session lifecycle event.
func (p *Provider) HandleEvent(ev session.Event) {
	switch ev.Kind {
	case session.Connected, session.ConfigChanged:
		p.recompute(ev.Session)
	case session.Disconnected:
		p.recompute(nil)
		p.cache.ClearAll()
		metrics.SetStatCacheEntries(0)
		logging.Info("disconnected; stat cache cleared")
	}
}

// Run consumes lifecycle events until the context ends or the channel
// closes. The caller subscribes before connecting; a subscription made
// inside this goroutine could lose the initial Connected event.
func (p *Provider) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.HandleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider) recompute(sess *session.Session) {
	enabled := p.overlay.Configure(sess)
	p.mu.Lock()
	p.extendedMemberSupport = enabled
	if sess != nil {
		p.readOnly = sess.Settings.ReadOnly
	}
	p.mu.Unlock()
}

// ClearCachedAttributes drops the cached stat entry for one path, or every
// entry when path is empty. Called when a backing document closes or via
// the explicit cache-clear command.
func (p *Provider) ClearCachedAttributes(path string) {
	if path == "" {
		p.cache.ClearAll()
	} else {
		p.cache.Clear(path)
	}
	metrics.SetStatCacheEntries(p.cache.Len())
}

// Stat returns metadata for a resource. Path depth alone decides the
// file/directory classification. Attribute lookups are cache-first; without
// a live session the metadata is zeroed so callers can still show a
// placeholder.
func (p *Provider) Stat(ctx context.Context, uri *url.URL) (FileInfo, error) {
	opts := ident.DecodeOptions(uri)
	info := FileInfo{
		Type:     TypeDirectory,
		ReadOnly: p.globalReadOnly() || opts.ReadOnly,
	}
	if ident.IsFilePath(uri.Path) {
		info.Type = TypeFile
	}

	path := ident.CanonicalPath(uri)
	attrs, state := p.cache.Get(path)
	switch state {
	case statcache.Hit:
		metrics.RecordStatCacheLookup("hit")
		info.Created, info.Changed, info.Size = attrs.Created, attrs.Changed, attrs.Size
		return info, nil
	case statcache.ConfirmedAbsent:
		metrics.RecordStatCacheLookup("negative_hit")
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, fserr.ErrNotFound)
	}
	metrics.RecordStatCacheLookup("miss")

	sess := p.source.Current()
	if sess == nil {
		// Placeholder metadata keeps browsing alive while disconnected.
		return info, nil
	}

	start := time.Now()
	remote, err := sess.Gateway.GetAttributes(ctx, path)
	if err != nil {
		metrics.RecordAttributeQuery("error", time.Since(start))
		return FileInfo{}, fmt.Errorf("query attributes %s: %w", path, err)
	}
	if remote == nil {
		metrics.RecordAttributeQuery("missing", time.Since(start))
		p.cache.SetAbsent(path)
		metrics.SetStatCacheEntries(p.cache.Len())
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, fserr.ErrNotFound)
	}
	metrics.RecordAttributeQuery("found", time.Since(start))

	p.cache.Set(path, *remote)
	metrics.SetStatCacheEntries(p.cache.Len())
	info.Created, info.Changed, info.Size = remote.Created, remote.Changed, remote.Size
	return info, nil
}

// ReadFile downloads member content. Without a live session it attempts one
// reconnection to the previous target; a second failure is fatal.
func (p *Provider) ReadFile(ctx context.Context, uri *url.URL) ([]byte, error) {
	sess := p.source.Current()
	if sess == nil {
		logging.Info("no live session; reconnecting", zap.String("uri", uri.String()))
		reconnected, err := p.source.Reconnect(ctx)
		metrics.RecordReconnect(err == nil && reconnected != nil)
		if err != nil || reconnected == nil {
			return nil, fmt.Errorf("read %s: %w", uri.String(), fserr.ErrNotConnected)
		}
		sess = reconnected
	}

	path := ident.CanonicalPath(uri)
	var (
		content string
		ok      bool
		err     error
	)
	if p.overlay.Enabled() {
		content, ok, err = p.overlay.Download(ctx, sess.Gateway, path)
	} else {
		content, ok, err = sess.Gateway.Download(ctx, path)
	}
	if err != nil {
		metrics.RecordDownload(0, false)
		return nil, fserr.Transfer("download", uri.String(), err)
	}
	if !ok {
		metrics.RecordDownload(0, false)
		return nil, fserr.Transfer("download", uri.String(), errors.New("host returned no content"))
	}
	metrics.RecordDownload(int64(len(content)), true)
	return []byte(content), nil
}

// WriteFile uploads member content. The cache entry is invalidated before
// the write so a failed upload cannot leave stale positive metadata behind.
func (p *Provider) WriteFile(ctx context.Context, uri *url.URL, data []byte, opts WriteOptions) error {
	path := ident.CanonicalPath(uri)
	p.cache.Clear(path)
	metrics.SetStatCacheEntries(p.cache.Len())

	sess := p.source.Current()
	if sess == nil {
		return fmt.Errorf("write %s: %w", uri.String(), fserr.ErrNotConnected)
	}

	var err error
	if p.overlay.Enabled() {
		err = p.overlay.Upload(ctx, sess.Gateway, path, string(data))
	} else {
		err = sess.Gateway.Upload(ctx, path, string(data))
	}
	if err != nil {
		metrics.RecordUpload(0, false)
		return fserr.Transfer("upload", uri.String(), err)
	}
	metrics.RecordUpload(int64(len(data)), true)
	return nil
}

// Rename invalidates the cache entries for both paths. Moving the remote
// content itself is an external responsibility; the provider only keeps its
// cache honest.
func (p *Provider) Rename(ctx context.Context, oldURI, newURI *url.URL, overwrite bool) error {
	p.cache.Clear(ident.CanonicalPath(oldURI))
	p.cache.Clear(ident.CanonicalPath(newURI))
	metrics.SetStatCacheEntries(p.cache.Len())
	return nil
}

// Delete invalidates the cache entry; remote deletion is not served here.
func (p *Provider) Delete(ctx context.Context, uri *url.URL) error {
	p.cache.Clear(ident.CanonicalPath(uri))
	metrics.SetStatCacheEntries(p.cache.Len())
	return fmt.Errorf("delete %s: %w", uri.String(), fserr.ErrNotImplemented)
}

// ReadDirectory is not served by this provider; browsing surfaces list the
// hierarchy through the gateway directly.
func (p *Provider) ReadDirectory(ctx context.Context, uri *url.URL) ([]string, error) {
	return nil, fmt.Errorf("read directory %s: %w", uri.String(), fserr.ErrNotImplemented)
}

// CreateDirectory is not served by this provider.
func (p *Provider) CreateDirectory(ctx context.Context, uri *url.URL) error {
	return fmt.Errorf("create directory %s: %w", uri.String(), fserr.ErrNotImplemented)
}

// Watch registers interest in a resource. The remote side pushes no change
// notifications, so this is a no-op registration.
func (p *Provider) Watch(uri *url.URL, recursive bool) Disposable {
	return func() {}
}

func (p *Provider) globalReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}
