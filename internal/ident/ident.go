// Package ident maps IBM i object identities to and from resource URIs.
//
// A member lives at [asp/]library/file/member.extension in the QSYS object
// namespace. The codec turns that canonical path into an opaque URI with
// scheme "member"; absolute host paths (IFS stream files) get scheme
// "streamfile". Per-resource options travel in the query string.
package ident

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	SchemeMember     = "member"
	SchemeStreamFile = "streamfile"
)

// Identity names a member on the host. Immutable once parsed; two identities
// are equal iff their canonical paths match case-sensitively.
type Identity struct {
	ASP       string
	Library   string
	File      string
	Member    string
	Extension string
}

// Path returns the canonical form "[asp/]library/file/member.extension".
func (id Identity) Path() string {
	name := id.Member
	if id.Extension != "" {
		name += "." + id.Extension
	}
	parts := []string{id.Library, id.File, name}
	if id.ASP != "" {
		parts = append([]string{id.ASP}, parts...)
	}
	return strings.Join(parts, "/")
}

func (id Identity) String() string {
	return id.Path()
}

// Parse builds an Identity from a canonical path. Paths have three segments,
// or four when an auxiliary storage pool prefix is present.
func Parse(path string) (Identity, error) {
	segs := Segments(path)
	var id Identity
	switch len(segs) {
	case 3:
		id.Library, id.File = segs[0], segs[1]
	case 4:
		id.ASP, id.Library, id.File = segs[0], segs[1], segs[2]
	default:
		return Identity{}, fmt.Errorf("invalid member path %q", path)
	}
	name := segs[len(segs)-1]
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		id.Member, id.Extension = name[:dot], name[dot+1:]
	} else {
		id.Member = name
	}
	return id, nil
}

// Options are per-resource flags carried in the URI query string.
type Options struct {
	ReadOnly bool
}

// Encode produces the resource URI for a canonical member path or an
// absolute host filesystem path. Host paths keep their leading separator and
// get the streamfile scheme; member paths are rooted under "/".
func Encode(path string, opts Options) *url.URL {
	scheme := SchemeMember
	if strings.HasPrefix(path, "/") {
		scheme = SchemeStreamFile
	} else {
		path = "/" + path
	}
	return &url.URL{
		Scheme:   scheme,
		Path:     path,
		RawQuery: opts.query(),
	}
}

// EncodeIdentity produces the member URI for an object identity.
func EncodeIdentity(id Identity, opts Options) *url.URL {
	return Encode(id.Path(), opts)
}

// DecodeOptions parses options back out of a resource URI. A malformed or
// absent readonly value decodes as false.
func DecodeOptions(u *url.URL) Options {
	readonly, err := strconv.ParseBool(u.Query().Get("readonly"))
	if err != nil {
		readonly = false
	}
	return Options{ReadOnly: readonly}
}

func (o Options) query() string {
	v := url.Values{}
	v.Set("readonly", strconv.FormatBool(o.ReadOnly))
	return v.Encode()
}

// Segments splits a URI or canonical path into its non-empty components.
func Segments(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// IsFilePath reports whether a URI path addresses a member rather than a
// containing level. More than three slash-separated parts (the URI root
// counts as one) means a file, independent of remote existence.
func IsFilePath(path string) bool {
	return len(strings.Split(path, "/")) > 3
}

// CanonicalPath strips the URI root separator, yielding the canonical path
// handed to the gateway.
func CanonicalPath(u *url.URL) string {
	if u.Scheme == SchemeStreamFile {
		return u.Path
	}
	return strings.TrimPrefix(u.Path, "/")
}
