// Package sourcedates overlays per-record source dates onto member content.
//
// When enabled, downloads carry each record's source date in a fixed
// six-digit column in front of the text, and uploads strip that column back
// out into structured records. The encoding is reversible: encoding then
// decoding yields the original records.
package sourcedates

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/crisrivlop/qsysfs/internal/gateway"
	"github.com/crisrivlop/qsysfs/internal/logging"
	"github.com/crisrivlop/qsysfs/internal/metrics"
	"github.com/crisrivlop/qsysfs/internal/session"
)

const dateWidth = 6

// Notifier surfaces user-visible notices raised during state transitions.
type Notifier interface {
	// Warn reports that requested source-date support is unavailable.
	Warn(msg string)
	// Advise reports a condition that does not block enabling.
	Advise(msg string)
}

type logNotifier struct{}

func (logNotifier) Warn(msg string)   { logging.Warn(msg) }
func (logNotifier) Advise(msg string) { logging.Info(msg) }

// Overlay is the source-date state machine: Disabled or Enabled.
type Overlay struct {
	notifier Notifier

	mu      sync.Mutex
	enabled bool
}

// New creates a disabled overlay. A nil notifier logs notices.
func New(n Notifier) *Overlay {
	if n == nil {
		n = logNotifier{}
	}
	return &Overlay{notifier: n}
}

// Enabled reports the current state.
func (o *Overlay) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// Configure recomputes the state from the session and returns whether the
// overlay is enabled. Enabling requires the configuration to request source
// dates and the session to carry the SQL capability; a request without the
// capability raises one warning per attempt and stays disabled. The bad
// CCSID sentinel raises an advisory but still enables.
func (o *Overlay) Configure(sess *session.Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case sess == nil || !sess.Settings.SourceDates:
		o.enabled = false
	case !sess.Caps.SupportsSQL:
		o.enabled = false
		o.notifier.Warn("source dates requested but the host session cannot run SQL; continuing without dates")
		metrics.RecordSourceDateDowngrade()
	default:
		if sess.CCSID == session.BadCCSID {
			o.notifier.Advise(fmt.Sprintf("host CCSID is %d; source dates may be unreliable", session.BadCCSID))
		}
		o.enabled = true
	}
	return o.enabled
}

// Download fetches the member records with their date column and
// re-serializes them into one text blob. ok is false when the host returned
// nothing.
func (o *Overlay) Download(ctx context.Context, gw gateway.ContentGateway, path string) (string, bool, error) {
	records, err := gw.DownloadWithDates(ctx, path)
	if err != nil {
		return "", false, err
	}
	if records == nil {
		return "", false, nil
	}
	return EncodeRecords(records), true, nil
}

// Upload parses the date column back out of each line and submits the
// structured records.
func (o *Overlay) Upload(ctx context.Context, gw gateway.ContentGateway, path, content string) error {
	return gw.UploadWithDates(ctx, path, DecodeRecords(content))
}

// EncodeRecords serializes records as lines of "DDDDDD text" where DDDDDD
// is the zero-padded six-digit source date.
func EncodeRecords(records []gateway.SourceRecord) string {
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = fmt.Sprintf("%0*d %s", dateWidth, r.Date%1000000, r.Text)
	}
	return strings.Join(lines, "\n")
}

// DecodeRecords parses encoded lines back into records. Lines without a
// valid date column become records with a zero date and the line as text.
// Sequence numbers are regenerated from line order.
func DecodeRecords(content string) []gateway.SourceRecord {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	records := make([]gateway.SourceRecord, len(lines))
	for i, line := range lines {
		rec := gateway.SourceRecord{Seq: int64(i + 1)}
		if date, text, ok := splitDated(line); ok {
			rec.Date, rec.Text = date, text
		} else {
			rec.Text = line
		}
		records[i] = rec
	}
	return records
}

func splitDated(line string) (date int, text string, ok bool) {
	if len(line) < dateWidth+1 || line[dateWidth] != ' ' {
		return 0, "", false
	}
	date, err := strconv.Atoi(line[:dateWidth])
	if err != nil {
		return 0, "", false
	}
	return date, line[dateWidth+1:], true
}
