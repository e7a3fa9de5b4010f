package sourcedates

import (
	"context"
	"reflect"
	"testing"

	"github.com/crisrivlop/qsysfs/internal/gateway"
	"github.com/crisrivlop/qsysfs/internal/session"
)

type recordingNotifier struct {
	warnings   []string
	advisories []string
}

func (n *recordingNotifier) Warn(msg string)   { n.warnings = append(n.warnings, msg) }
func (n *recordingNotifier) Advise(msg string) { n.advisories = append(n.advisories, msg) }

type datesGateway struct {
	gateway.ContentGateway
	records  []gateway.SourceRecord
	uploaded []gateway.SourceRecord
}

func (g *datesGateway) DownloadWithDates(ctx context.Context, path string) ([]gateway.SourceRecord, error) {
	return g.records, nil
}

func (g *datesGateway) UploadWithDates(ctx context.Context, path string, records []gateway.SourceRecord) error {
	g.uploaded = records
	return nil
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name        string
		sess        *session.Session
		wantEnabled bool
		wantWarns   int
		wantAdvice  int
	}{
		{
			name:        "disconnected",
			sess:        nil,
			wantEnabled: false,
		},
		{
			name:        "not requested",
			sess:        &session.Session{Caps: session.Capabilities{SupportsSQL: true}},
			wantEnabled: false,
		},
		{
			name: "requested without sql",
			sess: &session.Session{
				Settings: session.Settings{SourceDates: true},
			},
			wantEnabled: false,
			wantWarns:   1,
		},
		{
			name: "requested with sql",
			sess: &session.Session{
				Caps:     session.Capabilities{SupportsSQL: true},
				Settings: session.Settings{SourceDates: true},
				CCSID:    37,
			},
			wantEnabled: true,
		},
		{
			name: "bad ccsid still enables",
			sess: &session.Session{
				Caps:     session.Capabilities{SupportsSQL: true},
				Settings: session.Settings{SourceDates: true},
				CCSID:    session.BadCCSID,
			},
			wantEnabled: true,
			wantAdvice:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			o := New(n)
			if got := o.Configure(tt.sess); got != tt.wantEnabled {
				t.Errorf("Configure = %v, want %v", got, tt.wantEnabled)
			}
			if o.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", o.Enabled(), tt.wantEnabled)
			}
			if len(n.warnings) != tt.wantWarns {
				t.Errorf("warnings = %d, want %d", len(n.warnings), tt.wantWarns)
			}
			if len(n.advisories) != tt.wantAdvice {
				t.Errorf("advisories = %d, want %d", len(n.advisories), tt.wantAdvice)
			}
		})
	}
}

func TestConfigureWarnsPerAttempt(t *testing.T) {
	n := &recordingNotifier{}
	o := New(n)
	sess := &session.Session{Settings: session.Settings{SourceDates: true}}

	o.Configure(sess)
	o.Configure(sess)
	if len(n.warnings) != 2 {
		t.Fatalf("warnings = %d, want one per enable attempt", len(n.warnings))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []gateway.SourceRecord{
		{Seq: 1, Date: 240101, Text: "DCL VAR(&X) TYPE(*CHAR)"},
		{Seq: 2, Date: 0, Text: ""},
		{Seq: 3, Date: 991231, Text: "  indented text"},
	}

	encoded := EncodeRecords(records)
	want := "240101 DCL VAR(&X) TYPE(*CHAR)\n000000 \n991231   indented text"
	if encoded != want {
		t.Fatalf("encoded = %q, want %q", encoded, want)
	}

	decoded := DecodeRecords(encoded)
	if !reflect.DeepEqual(decoded, records) {
		t.Errorf("round trip = %+v, want %+v", decoded, records)
	}
}

func TestDecodeRecordsWithoutDateColumn(t *testing.T) {
	decoded := DecodeRecords("no date here\nxx1234 also not a date")
	want := []gateway.SourceRecord{
		{Seq: 1, Date: 0, Text: "no date here"},
		{Seq: 2, Date: 0, Text: "xx1234 also not a date"},
	}
	if !reflect.DeepEqual(decoded, want) {
		t.Errorf("decoded = %+v, want %+v", decoded, want)
	}
}

func TestDecodeRecordsEmpty(t *testing.T) {
	if got := DecodeRecords(""); got != nil {
		t.Errorf("DecodeRecords(\"\") = %+v, want nil", got)
	}
}

func TestDownloadEncodes(t *testing.T) {
	gw := &datesGateway{records: []gateway.SourceRecord{{Seq: 1, Date: 240502, Text: "line one"}}}
	o := New(&recordingNotifier{})

	content, ok, err := o.Download(context.Background(), gw, "LIB/FILE/MEM.CLP")
	if err != nil || !ok {
		t.Fatalf("Download: ok=%v err=%v", ok, err)
	}
	if content != "240502 line one" {
		t.Errorf("content = %q", content)
	}
}

func TestDownloadAbsent(t *testing.T) {
	gw := &datesGateway{records: nil}
	o := New(&recordingNotifier{})

	_, ok, err := o.Download(context.Background(), gw, "LIB/FILE/GONE.CLP")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if ok {
		t.Error("Download reported content for an absent member")
	}
}

func TestUploadDecodes(t *testing.T) {
	gw := &datesGateway{}
	o := New(&recordingNotifier{})

	if err := o.Upload(context.Background(), gw, "LIB/FILE/MEM.CLP", "240502 line one\n000000 line two"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := []gateway.SourceRecord{
		{Seq: 1, Date: 240502, Text: "line one"},
		{Seq: 2, Date: 0, Text: "line two"},
	}
	if !reflect.DeepEqual(gw.uploaded, want) {
		t.Errorf("uploaded = %+v, want %+v", gw.uploaded, want)
	}
}
