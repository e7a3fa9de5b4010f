package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crisrivlop/qsysfs/internal/fserr"
	"github.com/crisrivlop/qsysfs/internal/gateway"
	"github.com/crisrivlop/qsysfs/internal/ident"
	"github.com/crisrivlop/qsysfs/internal/session"
)

// fakeGateway is an in-memory ContentGateway.
type fakeGateway struct {
	mu        sync.Mutex
	attrs     map[string]gateway.Attributes
	content   map[string]string
	records   map[string][]gateway.SourceRecord
	attrCalls int

	downloadErr error
	uploadErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		attrs:   make(map[string]gateway.Attributes),
		content: make(map[string]string),
		records: make(map[string][]gateway.SourceRecord),
	}
}

func (g *fakeGateway) GetAttributes(ctx context.Context, path string) (*gateway.Attributes, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attrCalls++
	a, ok := g.attrs[path]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (g *fakeGateway) Download(ctx context.Context, path string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.downloadErr != nil {
		return "", false, g.downloadErr
	}
	c, ok := g.content[path]
	return c, ok, nil
}

func (g *fakeGateway) Upload(ctx context.Context, path, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return g.uploadErr
	}
	g.content[path] = content
	return nil
}

func (g *fakeGateway) DownloadWithDates(ctx context.Context, path string) ([]gateway.SourceRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[path], nil
}

func (g *fakeGateway) UploadWithDates(ctx context.Context, path string, records []gateway.SourceRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[path] = records
	return nil
}

func (g *fakeGateway) attributeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attrCalls
}

// fakeSource hands out a fixed session and counts reconnections.
type fakeSource struct {
	mu           sync.Mutex
	sess         *session.Session
	reconnectTo  *session.Session
	reconnectErr error
	reconnects   int
}

func (s *fakeSource) Current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *fakeSource) Reconnect(ctx context.Context) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if s.reconnectErr != nil {
		return nil, s.reconnectErr
	}
	s.sess = s.reconnectTo
	return s.reconnectTo, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	warns int
}

func (n *countingNotifier) Warn(string) {
	n.mu.Lock()
	n.warns++
	n.mu.Unlock()
}

func (n *countingNotifier) Advise(string) {}

func memberURI(path string) *url.URL {
	return ident.Encode(path, ident.Options{})
}

func newConnected(gw *fakeGateway, settings session.Settings, caps session.Capabilities) (*Provider, *fakeSource, *countingNotifier) {
	sess := &session.Session{Gateway: gw, Caps: caps, Settings: settings}
	src := &fakeSource{sess: sess}
	n := &countingNotifier{}
	p := New(Config{Source: src, Notifier: n})
	p.HandleEvent(session.Event{Kind: session.Connected, Session: sess})
	return p, src, n
}

func TestStatClassifiesByDepth(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Size: 10}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	info, err := p.Stat(context.Background(), memberURI("MYLIB/MYFILE"))
	if err != nil {
		t.Fatalf("Stat directory: %v", err)
	}
	if info.Type != TypeDirectory {
		t.Errorf("two-segment path classified as %v, want directory", info.Type)
	}

	info, err = p.Stat(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("Stat member: %v", err)
	}
	if info.Type != TypeFile {
		t.Errorf("member path classified as %v, want file", info.Type)
	}
	if info.Size != 10 {
		t.Errorf("size = %d, want 10", info.Size)
	}
}

func TestStatServedFromCache(t *testing.T) {
	gw := newFakeGateway()
	created := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Created: created, Size: 10}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/MEMBER1.RPGLE")
	if _, err := p.Stat(context.Background(), uri); err != nil {
		t.Fatal(err)
	}
	info, err := p.Stat(context.Background(), uri)
	if err != nil {
		t.Fatal(err)
	}
	if got := gw.attributeCalls(); got != 1 {
		t.Errorf("attribute queries = %d, want 1 (second stat cached)", got)
	}
	if !info.Created.Equal(created) {
		t.Errorf("cached Created = %v, want %v", info.Created, created)
	}
}

func TestStatNegativeCache(t *testing.T) {
	gw := newFakeGateway()
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/GONE.RPGLE")
	if _, err := p.Stat(context.Background(), uri); !errors.Is(err, fserr.ErrNotFound) {
		t.Fatalf("first stat err = %v, want ErrNotFound", err)
	}
	if _, err := p.Stat(context.Background(), uri); !errors.Is(err, fserr.ErrNotFound) {
		t.Fatalf("second stat err = %v, want ErrNotFound", err)
	}
	if got := gw.attributeCalls(); got != 1 {
		t.Errorf("attribute queries = %d, want 1 (absence cached)", got)
	}
}

func TestStatDisconnectedPlaceholder(t *testing.T) {
	src := &fakeSource{}
	p := New(Config{Source: src, Notifier: &countingNotifier{}})

	info, err := p.Stat(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("Stat while disconnected: %v", err)
	}
	if info.Type != TypeFile {
		t.Errorf("type = %v, want file", info.Type)
	}
	if !info.Created.IsZero() || !info.Changed.IsZero() || info.Size != 0 {
		t.Errorf("placeholder metadata not zeroed: %+v", info)
	}
}

func TestStatReadOnlyFlags(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{}
	p, _, _ := newConnected(gw, session.Settings{ReadOnly: true}, session.Capabilities{})

	info, err := p.Stat(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ReadOnly {
		t.Error("global read-only setting not reflected")
	}

	gw2 := newFakeGateway()
	gw2.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{}
	p2, _, _ := newConnected(gw2, session.Settings{}, session.Capabilities{})
	uri := ident.Encode("MYLIB/MYFILE/MEMBER1.RPGLE", ident.Options{ReadOnly: true})
	info, err = p2.Stat(context.Background(), uri)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ReadOnly {
		t.Error("per-resource readonly option not reflected")
	}
}

func TestReadFile(t *testing.T) {
	gw := newFakeGateway()
	gw.content["MYLIB/MYFILE/MEMBER1.RPGLE"] = strings.Repeat("X", 10)
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	data, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != strings.Repeat("X", 10) {
		t.Errorf("content = %q", data)
	}
}

func TestReadFileReconnects(t *testing.T) {
	gw := newFakeGateway()
	gw.content["MYLIB/MYFILE/MEMBER1.RPGLE"] = "after reconnect"
	src := &fakeSource{reconnectTo: &session.Session{Gateway: gw}}
	p := New(Config{Source: src, Notifier: &countingNotifier{}})

	data, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "after reconnect" {
		t.Errorf("content = %q", data)
	}
	if src.reconnects != 1 {
		t.Errorf("reconnects = %d, want exactly 1", src.reconnects)
	}
}

func TestReadFileReconnectFailure(t *testing.T) {
	src := &fakeSource{reconnectErr: errors.New("host unreachable")}
	p := New(Config{Source: src, Notifier: &countingNotifier{}})

	_, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if !errors.Is(err, fserr.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if src.reconnects != 1 {
		t.Errorf("reconnects = %d, want exactly 1", src.reconnects)
	}
}

func TestReadFileAbsentIsTransferError(t *testing.T) {
	gw := newFakeGateway()
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	_, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/GONE.RPGLE"))
	if err == nil {
		t.Fatal("ReadFile of absent member succeeded")
	}
	if _, ok := fserr.AsTransfer(err); !ok {
		t.Errorf("err = %v, want TransferError", err)
	}
}

func TestWriteFileInvalidatesBeforeUpload(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Size: 5}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/MEMBER1.RPGLE")
	if _, err := p.Stat(context.Background(), uri); err != nil {
		t.Fatal(err)
	}

	// Even a failed upload must leave the cache entry evicted.
	gw.uploadErr = errors.New("transfer interrupted")
	if err := p.WriteFile(context.Background(), uri, []byte("new"), WriteOptions{Overwrite: true}); err == nil {
		t.Fatal("WriteFile succeeded, want error")
	}

	gw.mu.Lock()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Size: 99}
	gw.mu.Unlock()
	before := gw.attributeCalls()
	info, err := p.Stat(context.Background(), uri)
	if err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+1 {
		t.Error("stat after write served stale cache entry")
	}
	if info.Size != 99 {
		t.Errorf("size = %d, want refreshed 99", info.Size)
	}
}

func TestWriteFileDisconnected(t *testing.T) {
	src := &fakeSource{}
	p := New(Config{Source: src, Notifier: &countingNotifier{}})

	err := p.WriteFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"), []byte("x"), WriteOptions{})
	if !errors.Is(err, fserr.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	gw := newFakeGateway()
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/MEMBER1.RPGLE")
	if err := p.WriteFile(context.Background(), uri, []byte("updated"), WriteOptions{Overwrite: true}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := p.ReadFile(context.Background(), uri)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "updated" {
		t.Errorf("content = %q", data)
	}
}

func TestRenameInvalidatesBothPaths(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/OLD.RPGLE"] = gateway.Attributes{Size: 1}
	gw.attrs["MYLIB/MYFILE/NEW.RPGLE"] = gateway.Attributes{Size: 2}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	oldURI := memberURI("MYLIB/MYFILE/OLD.RPGLE")
	newURI := memberURI("MYLIB/MYFILE/NEW.RPGLE")
	ctx := context.Background()
	if _, err := p.Stat(ctx, oldURI); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Stat(ctx, newURI); err != nil {
		t.Fatal(err)
	}

	if err := p.Rename(ctx, oldURI, newURI, true); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	before := gw.attributeCalls()
	if _, err := p.Stat(ctx, oldURI); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Stat(ctx, newURI); err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+2 {
		t.Error("rename left cached entries behind")
	}
}

func TestDeleteInvalidatesAndFails(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Size: 1}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/MEMBER1.RPGLE")
	ctx := context.Background()
	if _, err := p.Stat(ctx, uri); err != nil {
		t.Fatal(err)
	}

	if err := p.Delete(ctx, uri); !errors.Is(err, fserr.ErrNotImplemented) {
		t.Fatalf("Delete err = %v, want ErrNotImplemented", err)
	}

	before := gw.attributeCalls()
	if _, err := p.Stat(ctx, uri); err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+1 {
		t.Error("delete left cached entry behind")
	}
}

func TestDirectoryOperationsNotImplemented(t *testing.T) {
	gw := newFakeGateway()
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})
	ctx := context.Background()
	uri := memberURI("MYLIB/MYFILE")

	if _, err := p.ReadDirectory(ctx, uri); !errors.Is(err, fserr.ErrNotImplemented) {
		t.Errorf("ReadDirectory err = %v", err)
	}
	if err := p.CreateDirectory(ctx, uri); !errors.Is(err, fserr.ErrNotImplemented) {
		t.Errorf("CreateDirectory err = %v", err)
	}
}

func TestWatchIsNoOp(t *testing.T) {
	gw := newFakeGateway()
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	dispose := p.Watch(memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"), false)
	if dispose == nil {
		t.Fatal("Watch returned nil disposable")
	}
	dispose()
	dispose() // disposing twice must be safe
}

func TestDisconnectClearsCache(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{Size: 5}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	uri := memberURI("MYLIB/MYFILE/MEMBER1.RPGLE")
	ctx := context.Background()
	if _, err := p.Stat(ctx, uri); err != nil {
		t.Fatal(err)
	}

	p.HandleEvent(session.Event{Kind: session.Disconnected})

	// Reconnect through the source so the next stat reaches the gateway.
	sess := &session.Session{Gateway: gw}
	p.HandleEvent(session.Event{Kind: session.Connected, Session: sess})
	before := gw.attributeCalls()
	if _, err := p.Stat(ctx, uri); err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+1 {
		t.Error("disconnect did not clear the cache")
	}
}

func TestClearCachedAttributes(t *testing.T) {
	gw := newFakeGateway()
	gw.attrs["MYLIB/MYFILE/A.RPGLE"] = gateway.Attributes{}
	gw.attrs["MYLIB/MYFILE/B.RPGLE"] = gateway.Attributes{}
	p, _, _ := newConnected(gw, session.Settings{}, session.Capabilities{})

	ctx := context.Background()
	a := memberURI("MYLIB/MYFILE/A.RPGLE")
	b := memberURI("MYLIB/MYFILE/B.RPGLE")
	if _, err := p.Stat(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Stat(ctx, b); err != nil {
		t.Fatal(err)
	}

	p.ClearCachedAttributes("MYLIB/MYFILE/A.RPGLE")
	before := gw.attributeCalls()
	if _, err := p.Stat(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Stat(ctx, b); err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+1 {
		t.Error("single-path clear did not behave as expected")
	}

	p.ClearCachedAttributes("")
	before = gw.attributeCalls()
	if _, err := p.Stat(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Stat(ctx, b); err != nil {
		t.Fatal(err)
	}
	if gw.attributeCalls() != before+2 {
		t.Error("empty-path clear did not drop every entry")
	}
}

func TestExtendedMemberSupport(t *testing.T) {
	gw := newFakeGateway()
	gw.records["MYLIB/MYFILE/MEMBER1.RPGLE"] = []gateway.SourceRecord{
		{Seq: 1, Date: 240101, Text: "line"},
	}
	p, _, n := newConnected(gw,
		session.Settings{SourceDates: true},
		session.Capabilities{SupportsSQL: true},
	)

	if !p.ExtendedMemberSupport() {
		t.Fatal("overlay not enabled with SQL capability")
	}
	if n.warns != 0 {
		t.Errorf("warnings = %d, want 0", n.warns)
	}

	data, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "240101 line" {
		t.Errorf("dated content = %q", data)
	}
}

func TestSourceDatesDowngrade(t *testing.T) {
	gw := newFakeGateway()
	gw.content["MYLIB/MYFILE/MEMBER1.RPGLE"] = "plain"
	p, _, n := newConnected(gw,
		session.Settings{SourceDates: true},
		session.Capabilities{SupportsSQL: false},
	)

	if p.ExtendedMemberSupport() {
		t.Fatal("overlay enabled without SQL capability")
	}
	if n.warns != 1 {
		t.Errorf("warnings = %d, want exactly 1", n.warns)
	}

	// Reads fall back to the plain transfer path.
	data, err := p.ReadFile(context.Background(), memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "plain" {
		t.Errorf("content = %q", data)
	}
}

func TestRunSeesInitialConnectedEvent(t *testing.T) {
	gw := newFakeGateway()
	m := session.NewManager(func(ctx context.Context) (*session.Session, error) {
		return &session.Session{
			Gateway:  gw,
			Caps:     session.Capabilities{SupportsSQL: true},
			Settings: session.Settings{SourceDates: true, ReadOnly: true},
		}, nil
	})
	p := New(Config{Source: m, Notifier: &countingNotifier{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup order as wired in main: subscribe, start the consumer, then
	// connect. The Connected event published by Connect must reach the
	// provider even though the consumer goroutine may not be running yet.
	events := m.Bus().Subscribe()
	defer m.Bus().Unsubscribe(events)
	go p.Run(ctx, events)

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !p.ExtendedMemberSupport() {
		if time.Now().After(deadline) {
			t.Fatal("provider never saw the initial Connected event")
		}
		time.Sleep(time.Millisecond)
	}

	gw.attrs["MYLIB/MYFILE/MEMBER1.RPGLE"] = gateway.Attributes{}
	info, err := p.Stat(ctx, memberURI("MYLIB/MYFILE/MEMBER1.RPGLE"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ReadOnly {
		t.Error("read-only setting from the initial session not applied")
	}
}

func TestConfigChangedReconfigures(t *testing.T) {
	gw := newFakeGateway()
	p, src, _ := newConnected(gw,
		session.Settings{SourceDates: true},
		session.Capabilities{SupportsSQL: true},
	)
	if !p.ExtendedMemberSupport() {
		t.Fatal("overlay not enabled")
	}

	updated := *src.Current()
	updated.Settings.SourceDates = false
	p.HandleEvent(session.Event{Kind: session.ConfigChanged, Session: &updated})
	if p.ExtendedMemberSupport() {
		t.Error("overlay still enabled after source dates turned off")
	}
}
