// Package fusefs mounts the member filesystem provider as a FUSE tree.
//
// Directory levels (libraries, source files) are synthesized from gateway
// listings; member files go through the provider so stat caching and the
// source-date overlay apply to every read and write.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/crisrivlop/qsysfs/internal/fserr"
	"github.com/crisrivlop/qsysfs/internal/gateway"
	"github.com/crisrivlop/qsysfs/internal/ident"
	"github.com/crisrivlop/qsysfs/internal/logging"
	"github.com/crisrivlop/qsysfs/internal/provider"
	"github.com/crisrivlop/qsysfs/internal/session"
)

// Host bundles what every node needs.
type Host struct {
	Provider *provider.Provider
	Source   session.Source
}

// Browser returns the current session's listing surface, or nil when
// disconnected or the gateway cannot browse.
func (h *Host) Browser() gateway.Browser {
	sess := h.Source.Current()
	if sess == nil {
		return nil
	}
	b, ok := sess.Gateway.(gateway.Browser)
	if !ok {
		return nil
	}
	return b
}

// Mount mounts the member tree at mountPoint.
func Mount(h *Host, mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &rootNode{host: h}
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			FsName:     "qsysfs",
			Name:       "qsysfs",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// rootNode lists libraries.
type rootNode struct {
	fs.Inode
	host *Host
}

var _ fs.NodeReaddirer = (*rootNode)(nil)
var _ fs.NodeLookuper = (*rootNode)(nil)

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	b := n.host.Browser()
	if b == nil {
		return nil, syscall.ENETUNREACH
	}
	libraries, err := b.ListLibraries(ctx)
	if err != nil {
		logging.Error("list libraries", logging.Err(err))
		return nil, syscall.EIO
	}
	return dirStream(libraries), 0
}

func (n *rootNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := &libraryNode{host: n.host, library: name}
	out.Mode = 0755 | syscall.S_IFDIR
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode}), 0
}

// libraryNode lists source files in one library.
type libraryNode struct {
	fs.Inode
	host    *Host
	library string
}

var _ fs.NodeReaddirer = (*libraryNode)(nil)
var _ fs.NodeLookuper = (*libraryNode)(nil)

func (n *libraryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	b := n.host.Browser()
	if b == nil {
		return nil, syscall.ENETUNREACH
	}
	files, err := b.ListSourceFiles(ctx, n.library)
	if err != nil {
		logging.Error("list source files", logging.String("library", n.library), logging.Err(err))
		return nil, syscall.EIO
	}
	return dirStream(files), 0
}

func (n *libraryNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := &fileNode{host: n.host, library: n.library, file: name}
	out.Mode = 0755 | syscall.S_IFDIR
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode}), 0
}

// fileNode lists members of one source physical file.
type fileNode struct {
	fs.Inode
	host    *Host
	library string
	file    string
}

var _ fs.NodeReaddirer = (*fileNode)(nil)
var _ fs.NodeLookuper = (*fileNode)(nil)

func (n *fileNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	b := n.host.Browser()
	if b == nil {
		return nil, syscall.ENETUNREACH
	}
	members, err := b.ListMembers(ctx, n.library, n.file)
	if err != nil {
		logging.Error("list members",
			logging.String("library", n.library),
			logging.String("file", n.file),
			logging.Err(err),
		)
		return nil, syscall.EIO
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = memberFileName(m)
	}
	stream := make([]gofuse.DirEntry, len(names))
	for i, name := range names {
		stream[i] = gofuse.DirEntry{Name: name, Mode: syscall.S_IFREG}
	}
	return fs.NewListDirStream(stream), 0
}

func (n *fileNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uri := memberURI(n.library, n.file, name)
	info, err := n.host.Provider.Stat(ctx, uri)
	if err != nil {
		if errors.Is(err, fserr.ErrNotFound) {
			return nil, syscall.ENOENT
		}
		logging.Error("lookup member", logging.String("uri", uri.String()), logging.Err(err))
		return nil, syscall.EIO
	}

	child := &memberNode{host: n.host, uri: uri}
	fillAttr(&out.Attr, info)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode}), 0
}

// memberNode is one member, served through the provider.
type memberNode struct {
	fs.Inode
	host *Host
	uri  *url.URL
}

var _ fs.NodeGetattrer = (*memberNode)(nil)
var _ fs.NodeOpener = (*memberNode)(nil)
var _ fs.NodeGetxattrer = (*memberNode)(nil)

func (n *memberNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	info, err := n.host.Provider.Stat(ctx, n.uri)
	if err != nil {
		if errors.Is(err, fserr.ErrNotFound) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	fillAttr(&out.Attr, info)
	return 0
}

func (n *memberNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	content, err := n.host.Provider.ReadFile(ctx, n.uri)
	if err != nil {
		switch {
		case errors.Is(err, fserr.ErrNotConnected):
			return nil, 0, syscall.ENETUNREACH
		case errors.Is(err, fserr.ErrNotFound):
			return nil, 0, syscall.ENOENT
		default:
			logging.Error("open member", logging.String("uri", n.uri.String()), logging.Err(err))
			return nil, 0, syscall.EIO
		}
	}
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if flags&syscall.O_TRUNC != 0 {
		content = nil
	}
	return &memberHandle{node: n, data: content, writable: writable}, 0, 0
}

func (n *memberNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string
	switch attr {
	case "user.qsysfs.uri":
		value = n.uri.String()
	case "user.qsysfs.extended":
		value = "false"
		if n.host.Provider.ExtendedMemberSupport() {
			value = "true"
		}
	default:
		return 0, syscall.ENODATA
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// memberHandle buffers member content for one open document.
type memberHandle struct {
	node     *memberNode
	writable bool

	mu    sync.Mutex
	data  []byte
	dirty bool
}

var _ fs.FileReader = (*memberHandle)(nil)
var _ fs.FileWriter = (*memberHandle)(nil)
var _ fs.FileFlusher = (*memberHandle)(nil)
var _ fs.FileReleaser = (*memberHandle)(nil)

func (h *memberHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return gofuse.ReadResultData(h.data[off:end]), 0
}

func (h *memberHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.writable {
		return 0, syscall.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	end := off + int64(len(data))
	if end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[off:end], data)
	h.dirty = true
	return uint32(len(data)), 0
}

func (h *memberHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}
	err := h.node.host.Provider.WriteFile(ctx, h.node.uri, h.data, provider.WriteOptions{Overwrite: true})
	if err != nil {
		if errors.Is(err, fserr.ErrNotConnected) {
			return syscall.ENETUNREACH
		}
		logging.Error("flush member", logging.String("uri", h.node.uri.String()), logging.Err(err))
		return syscall.EIO
	}
	h.dirty = false
	return 0
}

// Release marks the backing document closed, which drops its cached stat
// entry.
func (h *memberHandle) Release(ctx context.Context) syscall.Errno {
	h.node.host.Provider.ClearCachedAttributes(ident.CanonicalPath(h.node.uri))
	return 0
}

func fillAttr(out *gofuse.Attr, info provider.FileInfo) {
	mode := uint32(0644) | syscall.S_IFREG
	if info.Type == provider.TypeDirectory {
		mode = 0755 | syscall.S_IFDIR
	}
	if info.ReadOnly {
		mode &^= 0222
	}
	out.Mode = mode
	out.Size = uint64(info.Size)
	if !info.Changed.IsZero() {
		out.Mtime = uint64(info.Changed.Unix())
	}
	if !info.Created.IsZero() {
		out.Ctime = uint64(info.Created.Unix())
	}
	out.Atime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// memberURI builds the member resource URI for one directory entry name.
func memberURI(library, file, name string) *url.URL {
	id := ident.Identity{Library: library, File: file, Member: name}
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		id.Member, id.Extension = name[:dot], name[dot+1:]
	}
	return ident.EncodeIdentity(id, ident.Options{})
}

// memberFileName renders a listing entry as a file name, defaulting the
// extension to the source type when present.
func memberFileName(m gateway.MemberInfo) string {
	if m.Type == "" {
		return m.Name
	}
	return m.Name + "." + strings.ToLower(m.Type)
}

func dirStream(names []string) fs.DirStream {
	entries := make([]gofuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = gofuse.DirEntry{Name: name, Mode: syscall.S_IFDIR}
	}
	return fs.NewListDirStream(entries)
}
