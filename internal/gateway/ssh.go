// SSH-backed gateway. Members are reached through the /QSYS.LIB POSIX view
// for plain content transfer; attribute and source-date queries go through
// the host SQL CLI when the session has that capability.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/crisrivlop/qsysfs/internal/ident"
	"github.com/crisrivlop/qsysfs/internal/logging"
	"github.com/crisrivlop/qsysfs/internal/retry"
)

const sqlCLI = "/QOpenSys/usr/bin/db2"

// SSHConfig holds connection parameters for an SSH gateway.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
	Retry    retry.Config
}

// SSHGateway implements ContentGateway and Browser over one SSH connection.
// Every command runs in its own exec session.
type SSHGateway struct {
	cfg    SSHConfig
	client *ssh.Client
	sql    bool
}

// DialSSH connects to the host. Host key verification is delegated to the
// operator's network; the gateway accepts any key.
func DialSSH(cfg SSHConfig) (*SSHGateway, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Host, err)
	}

	g := &SSHGateway{cfg: cfg, client: client}
	g.sql = g.probeSQL()
	logging.Info("gateway connected",
		logging.String("host", cfg.Host),
		logging.String("user", cfg.User),
	)
	return g, nil
}

// Close tears down the SSH connection.
func (g *SSHGateway) Close() error {
	return g.client.Close()
}

// SupportsSQL reports whether the host SQL CLI was found at connect time.
func (g *SSHGateway) SupportsSQL() bool {
	return g.sql
}

// probeSQL checks for the SQL CLI once; the result becomes part of the
// session capability descriptor.
func (g *SSHGateway) probeSQL() bool {
	_, err := g.run(context.Background(), "test -x "+sqlCLI, nil)
	return err == nil
}

// CCSID asks the host for its job CCSID. Zero when it cannot be determined.
func (g *SSHGateway) CCSID(ctx context.Context) int {
	if !g.sql {
		return 0
	}
	out, err := g.runSQL(ctx, "SELECT CURRENT_NUMERIC_VALUE FROM QSYS2.SYSTEM_VALUE_INFO WHERE SYSTEM_VALUE_NAME = 'QCCSID';")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(out, "\n") {
		if n, ok := parseInt(strings.TrimSpace(line)); ok {
			return n
		}
	}
	return 0
}

// run executes one remote command, retrying transport-level failures.
// Command failures (non-zero exit) are not retried.
func (g *SSHGateway) run(ctx context.Context, cmd string, stdin []byte) (string, error) {
	return retry.DoWithResult(ctx, g.cfg.Retry, func() (string, error) {
		sess, err := g.client.NewSession()
		if err != nil {
			return "", retry.Retryable(fmt.Errorf("open session: %w", err))
		}
		defer sess.Close()

		if stdin != nil {
			sess.Stdin = bytes.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		sess.Stdout = &stdout
		sess.Stderr = &stderr

		if err := sess.Run(cmd); err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				return "", fmt.Errorf("%s: %s", firstLine(cmd), strings.TrimSpace(stderr.String()))
			}
			return "", retry.Retryable(fmt.Errorf("exec: %w", err))
		}
		return stdout.String(), nil
	})
}

// exists checks for a path in the POSIX view.
func (g *SSHGateway) exists(ctx context.Context, posix string) bool {
	_, err := g.run(ctx, fmt.Sprintf("test -e %s", shellQuote(posix)), nil)
	return err == nil
}

// Download reads the raw member content through the POSIX view.
func (g *SSHGateway) Download(ctx context.Context, path string) (string, bool, error) {
	posix, err := qsysPath(path)
	if err != nil {
		return "", false, err
	}
	out, err := g.run(ctx, "cat "+shellQuote(posix), nil)
	if err != nil {
		if !g.exists(ctx, posix) {
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

// Upload replaces the member content through the POSIX view.
func (g *SSHGateway) Upload(ctx context.Context, path, content string) error {
	posix, err := qsysPath(path)
	if err != nil {
		return err
	}
	_, err = g.run(ctx, "cat > "+shellQuote(posix), []byte(content))
	return err
}

// ListLibraries lists library names from the POSIX view.
func (g *SSHGateway) ListLibraries(ctx context.Context) ([]string, error) {
	return g.listSuffix(ctx, "/QSYS.LIB", ".LIB")
}

// ListSourceFiles lists the file objects inside a library.
func (g *SSHGateway) ListSourceFiles(ctx context.Context, library string) ([]string, error) {
	dir := fmt.Sprintf("/QSYS.LIB/%s.LIB", strings.ToUpper(library))
	return g.listSuffix(ctx, dir, ".FILE")
}

// ListMembers lists the members of a source physical file. With SQL the
// listing carries source type and size; without it only names are known.
func (g *SSHGateway) ListMembers(ctx context.Context, library, file string) ([]MemberInfo, error) {
	if g.sql {
		return g.listMembersSQL(ctx, library, file)
	}
	dir := fmt.Sprintf("/QSYS.LIB/%s.LIB/%s.FILE", strings.ToUpper(library), strings.ToUpper(file))
	names, err := g.listSuffix(ctx, dir, ".MBR")
	if err != nil {
		return nil, err
	}
	members := make([]MemberInfo, len(names))
	for i, name := range names {
		members[i] = MemberInfo{Name: name}
	}
	return members, nil
}

func (g *SSHGateway) listSuffix(ctx context.Context, dir, suffix string) ([]string, error) {
	out, err := g.run(ctx, "ls "+shellQuote(dir), nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, suffix) {
			names = append(names, strings.TrimSuffix(line, suffix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// qsysPath maps a canonical member path onto the host POSIX view.
func qsysPath(path string) (string, error) {
	id, err := ident.Parse(path)
	if err != nil {
		return "", err
	}
	root := "/QSYS.LIB"
	if id.ASP != "" {
		root = "/" + strings.ToUpper(id.ASP) + root
	}
	return fmt.Sprintf("%s/%s.LIB/%s.FILE/%s.MBR",
		root,
		strings.ToUpper(id.Library),
		strings.ToUpper(id.File),
		strings.ToUpper(id.Member),
	), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
