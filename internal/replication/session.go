package replication

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// Session is a command connection to one MySQL endpoint.
type Session interface {
	// Exec runs a command that returns no rows.
	Exec(ctx context.Context, cmd Command) error
	// MasterStatus returns the current binary log coordinate of the endpoint.
	MasterStatus(ctx context.Context) (types.BinlogCoordinate, error)
	// ReplicaStatus returns the state of the endpoint's replication threads.
	ReplicaStatus(ctx context.Context) (types.ReplicationStatus, error)
	// Endpoint returns the address the session is connected to.
	Endpoint() types.Endpoint
	// Credentials returns the login used by the session.
	Credentials() types.Credentials
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, ep types.Endpoint, creds types.Credentials) (Session, error)
}

// MySQLDialer opens sessions with the go-sql-driver/mysql driver.
type MySQLDialer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// MySQLDialerConfig contains configuration for a MySQLDialer.
type MySQLDialerConfig struct {
	// Timeout bounds connection establishment. Zero uses the default.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewMySQLDialer creates a dialer.
func NewMySQLDialer(cfg MySQLDialerConfig) *MySQLDialer {
	d := &MySQLDialer{timeout: cfg.Timeout, logger: cfg.Logger}
	if d.timeout <= 0 {
		d.timeout = constants.DefaultDialTimeout
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d
}

// Dial connects to ep and verifies the connection with a ping.
func (d *MySQLDialer) Dial(ctx context.Context, ep types.Endpoint, creds types.Credentials) (Session, error) {
	if ep.Address == "" {
		return nil, errors.Wrap(internalerrors.ErrInvalidParameter, "endpoint has no address")
	}
	if ep.Port == 0 {
		ep.Port = constants.DefaultMySQLPort
	}

	cfg := mysql.NewConfig()
	cfg.User = creds.User
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = ep.HostPort()
	cfg.Timeout = d.timeout
	cfg.InterpolateParams = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "configure connection to %s", ep.HostPort())
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify(err, "connect to "+ep.HostPort())
	}

	d.logger.Debug("database session opened", slog.String("endpoint", ep.HostPort()))
	return NewSession(db, ep, creds), nil
}

// SQLSession is a Session over a database/sql handle.
type SQLSession struct {
	db    *sql.DB
	ep    types.Endpoint
	creds types.Credentials
}

// NewSession wraps an open handle. The session owns db and closes it.
func NewSession(db *sql.DB, ep types.Endpoint, creds types.Credentials) *SQLSession {
	return &SQLSession{db: db, ep: ep, creds: creds}
}

// Exec implements Session.
func (s *SQLSession) Exec(ctx context.Context, cmd Command) error {
	if _, err := s.db.ExecContext(ctx, cmd.Statement, cmd.Args...); err != nil {
		return classify(err, cmd.Name+" on "+s.ep.Address)
	}
	return nil
}

// MasterStatus implements Session. An empty result means binary logging is off.
func (s *SQLSession) MasterStatus(ctx context.Context) (types.BinlogCoordinate, error) {
	row, ok, err := s.queryRow(ctx, masterStatusSQL)
	if err != nil {
		return types.BinlogCoordinate{}, err
	}
	if !ok {
		return types.BinlogCoordinate{}, errors.Wrapf(internalerrors.ErrReplicationError,
			"%s returned no rows on %s; binary logging is disabled", masterStatusSQL, s.ep.Address)
	}

	file := row.get("File")
	pos, err := strconv.ParseUint(row.get("Position"), 10, 64)
	if err != nil || file == "" {
		return types.BinlogCoordinate{}, errors.Wrapf(internalerrors.ErrReplicationError,
			"unreadable binary log coordinate %q:%q on %s", file, row.get("Position"), s.ep.Address)
	}
	return types.BinlogCoordinate{File: file, Position: pos}, nil
}

// ReplicaStatus implements Session. No row means replication is not configured yet,
// which reports an unknown lag.
func (s *SQLSession) ReplicaStatus(ctx context.Context) (types.ReplicationStatus, error) {
	row, ok, err := s.queryRow(ctx, replicaStatusSQL)
	if err != nil {
		return types.ReplicationStatus{}, err
	}
	if !ok {
		return types.ReplicationStatus{Lag: types.UnknownLag()}, nil
	}

	st := types.ReplicationStatus{
		Configured:   true,
		LastError:    row.get("Last_Error"),
		IORunning:    row.get("Slave_IO_Running", "Replica_IO_Running"),
		SQLRunning:   row.get("Slave_SQL_Running", "Replica_SQL_Running"),
		LastIOError:  row.get("Last_IO_Error"),
		LastSQLError: row.get("Last_SQL_Error"),
		Lag:          types.UnknownLag(),
	}

	if lag, valid := row.lookup("Seconds_Behind_Master", "Seconds_Behind_Source"); valid {
		n, err := strconv.ParseInt(lag, 10, 64)
		if err != nil {
			return st, errors.Wrapf(internalerrors.ErrReplicationError, "unreadable lag %q on %s", lag, s.ep.Address)
		}
		st.Lag = types.LagOf(n)
	}
	return st, nil
}

// Endpoint implements Session.
func (s *SQLSession) Endpoint() types.Endpoint {
	return s.ep
}

// Credentials implements Session.
func (s *SQLSession) Credentials() types.Credentials {
	return s.creds
}

// Close implements Session.
func (s *SQLSession) Close() error {
	return s.db.Close()
}

// statusRow is one row of a status view keyed by column name.
type statusRow map[string]sql.NullString

// lookup returns the first non-NULL value among names.
func (r statusRow) lookup(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := r[n]; ok && v.Valid {
			return v.String, true
		}
	}
	return "", false
}

func (r statusRow) get(names ...string) string {
	v, _ := r.lookup(names...)
	return v
}

// queryRow reads the first row of a status view. Columns are matched by name
// because the column set differs between server versions.
func (s *SQLSession) queryRow(ctx context.Context, query string) (statusRow, bool, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, false, classify(err, query+" on "+s.ep.Address)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, classify(err, query+" on "+s.ep.Address)
	}
	if !rows.Next() {
		return nil, false, classify(rows.Err(), query+" on "+s.ep.Address)
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, false, classify(err, "scan "+query+" on "+s.ep.Address)
	}

	row := make(statusRow, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return row, true, nil
}

// classify marks connection failures as transient and everything else as a
// replication error.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return errors.Wrap(internalerrors.WithKind(internalerrors.ErrInfrastructureUnavailable, err), op)
	}
	return errors.Wrap(internalerrors.WithKind(internalerrors.ErrReplicationError, err), op)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
