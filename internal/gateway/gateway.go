// Package gateway defines the remote content gateway: the contract for
// moving member content and attributes to and from an IBM i host.
package gateway

import (
	"context"
	"time"
)

// Attributes holds the metadata a stat needs for one object.
type Attributes struct {
	Created time.Time
	Changed time.Time
	Size    int64
}

// SourceRecord is one line of a member together with its per-record
// metadata. Date is a YYMMDD source date, zero when unknown.
type SourceRecord struct {
	Seq  int64
	Date int
	Text string
}

// ContentGateway performs the remote reads and writes the filesystem
// provider delegates to. Paths are canonical "[asp/]lib/file/member.ext"
// strings.
type ContentGateway interface {
	// GetAttributes returns nil with no error when the object does not
	// exist on the host.
	GetAttributes(ctx context.Context, path string) (*Attributes, error)

	// Download returns the raw member content. ok is false when the host
	// returned nothing for the member.
	Download(ctx context.Context, path string) (content string, ok bool, err error)

	// Upload replaces the member content.
	Upload(ctx context.Context, path string, content string) error

	// DownloadWithDates returns the member records together with their
	// source-date column.
	DownloadWithDates(ctx context.Context, path string) ([]SourceRecord, error)

	// UploadWithDates replaces the member records, dates included.
	UploadWithDates(ctx context.Context, path string, records []SourceRecord) error
}

// MemberInfo describes one member in a source physical file listing.
type MemberInfo struct {
	Name    string
	Type    string
	Size    int64
	Changed time.Time
}

// Browser lists the library/file/member hierarchy. Only browsing surfaces
// (the mount's directory levels) use it; the provider itself never lists.
type Browser interface {
	ListLibraries(ctx context.Context) ([]string, error)
	ListSourceFiles(ctx context.Context, library string) ([]string, error)
	ListMembers(ctx context.Context, library, file string) ([]MemberInfo, error)
}
