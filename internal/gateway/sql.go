// SQL side of the SSH gateway: attribute queries and the source-date
// auxiliary queries, executed through the host SQL CLI.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// rowSep separates concatenated columns in query output. SplitN keeps any
// separator characters inside the last (text) column intact.
const rowSep = "|"

func (g *SSHGateway) runSQL(ctx context.Context, script string) (string, error) {
	return g.run(ctx, sqlCLI+" -t", []byte(script))
}

// GetAttributes queries creation time, change time, and size. Falls back to
// the POSIX view (size only) when the session has no SQL capability.
func (g *SSHGateway) GetAttributes(ctx context.Context, path string) (*Attributes, error) {
	id, err := identOf(path)
	if err != nil {
		return nil, err
	}
	if !g.sql {
		return g.posixAttributes(ctx, path)
	}

	query := fmt.Sprintf(
		"SELECT VARCHAR_FORMAT(CREATE_TIMESTAMP, 'YYYY-MM-DD HH24:MI:SS')"+
			" CONCAT '%s' CONCAT VARCHAR_FORMAT(COALESCE(LAST_SOURCE_UPDATE_TIMESTAMP, CREATE_TIMESTAMP), 'YYYY-MM-DD HH24:MI:SS')"+
			" CONCAT '%s' CONCAT VARCHAR(DATA_SIZE)"+
			" FROM QSYS2.SYSPARTITIONSTAT"+
			" WHERE SYSTEM_TABLE_SCHEMA = '%s' AND SYSTEM_TABLE_NAME = '%s' AND SYSTEM_TABLE_MEMBER = '%s';",
		rowSep, rowSep, id.lib, id.file, id.member,
	)
	out, err := g.runSQL(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("attribute query: %w", err)
	}
	row, ok := firstDataRow(out)
	if !ok {
		return nil, nil
	}
	return parseAttributesRow(row)
}

func (g *SSHGateway) posixAttributes(ctx context.Context, path string) (*Attributes, error) {
	posix, err := qsysPath(path)
	if err != nil {
		return nil, err
	}
	if !g.exists(ctx, posix) {
		return nil, nil
	}
	out, err := g.run(ctx, "wc -c < "+shellQuote(posix), nil)
	if err != nil {
		return nil, err
	}
	size, _ := parseInt(strings.TrimSpace(out))
	return &Attributes{Size: int64(size)}, nil
}

// DownloadWithDates reads the member rows with their source-date column via
// a temporary alias in QTEMP.
func (g *SSHGateway) DownloadWithDates(ctx context.Context, path string) ([]SourceRecord, error) {
	if !g.sql {
		return nil, fmt.Errorf("download with dates: session has no SQL capability")
	}
	id, err := identOf(path)
	if err != nil {
		return nil, err
	}

	alias := tempAlias()
	script := fmt.Sprintf(
		"CREATE ALIAS %s FOR %s.%s (%s);\n"+
			"SELECT VARCHAR(INT(SRCSEQ)) CONCAT '%s' CONCAT VARCHAR(SRCDAT) CONCAT '%s' CONCAT SRCDTA FROM %s ORDER BY SRCSEQ;\n"+
			"DROP ALIAS %s;\n",
		alias, id.lib, id.file, id.member, rowSep, rowSep, alias, alias,
	)
	out, err := g.runSQL(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("source date query: %w", err)
	}
	return parseDateRows(out), nil
}

// UploadWithDates rewrites the member rows, dates included, via a temporary
// alias in QTEMP.
func (g *SSHGateway) UploadWithDates(ctx context.Context, path string, records []SourceRecord) error {
	if !g.sql {
		return fmt.Errorf("upload with dates: session has no SQL capability")
	}
	id, err := identOf(path)
	if err != nil {
		return err
	}

	alias := tempAlias()
	var script strings.Builder
	fmt.Fprintf(&script, "CREATE ALIAS %s FOR %s.%s (%s);\n", alias, id.lib, id.file, id.member)
	fmt.Fprintf(&script, "DELETE FROM %s;\n", alias)

	const chunk = 500
	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		fmt.Fprintf(&script, "INSERT INTO %s (SRCSEQ, SRCDAT, SRCDTA) VALUES", alias)
		for i, r := range records[start:end] {
			if i > 0 {
				script.WriteString(",")
			}
			seq := r.Seq
			if seq == 0 {
				seq = int64(start+i) + 1
			}
			fmt.Fprintf(&script, "\n (%d.00, %d, '%s')", seq, r.Date, sqlQuote(r.Text))
		}
		script.WriteString(";\n")
	}
	fmt.Fprintf(&script, "DROP ALIAS %s;\n", alias)

	if _, err := g.runSQL(ctx, script.String()); err != nil {
		return fmt.Errorf("source date write: %w", err)
	}
	return nil
}

func (g *SSHGateway) listMembersSQL(ctx context.Context, library, file string) ([]MemberInfo, error) {
	query := fmt.Sprintf(
		"SELECT SYSTEM_TABLE_MEMBER CONCAT '%s' CONCAT COALESCE(SOURCE_TYPE, '') CONCAT '%s' CONCAT VARCHAR(DATA_SIZE)"+
			" FROM QSYS2.SYSPARTITIONSTAT"+
			" WHERE SYSTEM_TABLE_SCHEMA = '%s' AND SYSTEM_TABLE_NAME = '%s'"+
			" ORDER BY SYSTEM_TABLE_MEMBER;",
		rowSep, rowSep, strings.ToUpper(library), strings.ToUpper(file),
	)
	out, err := g.runSQL(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("member listing: %w", err)
	}

	var members []MemberInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), rowSep, 3)
		if len(fields) != 3 {
			continue
		}
		size, ok := parseInt(fields[2])
		if !ok {
			continue
		}
		members = append(members, MemberInfo{
			Name: strings.TrimSpace(fields[0]),
			Type: strings.TrimSpace(fields[1]),
			Size: int64(size),
		})
	}
	return members, nil
}

// sqlIdent is the uppercased library/file/member triple used in statements.
type sqlIdent struct {
	lib, file, member string
}

func identOf(path string) (sqlIdent, error) {
	segs := strings.Split(path, "/")
	if n := len(segs); n == 4 {
		segs = segs[1:] // ASP prefix is irrelevant to catalog queries
	} else if n != 3 {
		return sqlIdent{}, fmt.Errorf("invalid member path %q", path)
	}
	member := segs[2]
	if dot := strings.LastIndex(member, "."); dot >= 0 {
		member = member[:dot]
	}
	return sqlIdent{
		lib:    strings.ToUpper(segs[0]),
		file:   strings.ToUpper(segs[1]),
		member: strings.ToUpper(member),
	}, nil
}

func tempAlias() string {
	return fmt.Sprintf("QTEMP.QSF%06d", rand.Intn(1000000))
}

func sqlQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// firstDataRow finds the first output line carrying concatenated columns,
// skipping the CLI's headers and record-count trailer.
func firstDataRow(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, rowSep) {
			return line, true
		}
	}
	return "", false
}

func parseAttributesRow(row string) (*Attributes, error) {
	fields := strings.SplitN(row, rowSep, 3)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed attribute row %q", row)
	}
	created, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("parse create timestamp: %w", err)
	}
	changed, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("parse change timestamp: %w", err)
	}
	size, ok := parseInt(strings.TrimSpace(fields[2]))
	if !ok {
		return nil, fmt.Errorf("parse size in %q", row)
	}
	return &Attributes{Created: created, Changed: changed, Size: int64(size)}, nil
}

// parseDateRows extracts records from query output. Lines whose first two
// columns are not numeric (headers, trailers) are skipped.
func parseDateRows(out string) []SourceRecord {
	records := []SourceRecord{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, rowSep, 3)
		if len(fields) != 3 {
			continue
		}
		seq, ok := parseInt(strings.TrimSpace(fields[0]))
		if !ok {
			continue
		}
		date, ok := parseInt(strings.TrimSpace(fields[1]))
		if !ok {
			continue
		}
		records = append(records, SourceRecord{
			Seq:  int64(seq),
			Date: date,
			Text: fields[2],
		})
	}
	return records
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
