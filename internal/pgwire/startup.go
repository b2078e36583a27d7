package pgwire

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"semgate/internal/auth"
	"semgate/internal/domain"
)

func (s *Server) handleConn(conn net.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	_ = conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	conn, params, err := s.startup(conn)
	defer lingerClose(conn)
	if err != nil {
		var protocol *domain.ProtocolError
		if errors.As(err, &protocol) {
			logger.Warn("rejecting connection", "error", err)
			w := newWriter(conn, s.opts.FlushThreshold)
			w.send(errorResponse(err))
			_ = w.flush()
		}
		return
	}
	if params == nil {
		return
	}

	w := newWriter(conn, s.opts.FlushThreshold)
	reject := func(reason string, msg *pgproto3.ErrorResponse) {
		logger.Info("rejecting connection", "reason", reason, "message", msg.Message)
		if s.opts.Observer != nil {
			s.opts.Observer.ConnectionRejected(reason)
		}
		w.send(msg)
		_ = w.flush()
	}

	user := strings.TrimSpace(params["user"])
	if user == "" {
		reject("no_user", errorResponse(&domain.AuthError{
			Message:     "no PostgreSQL user name specified in startup packet",
			MissingUser: true,
		}))
		return
	}
	database := params["database"]
	if database == "" {
		database = s.opts.Database
	}
	if database != s.opts.Database {
		reject("unknown_database", fatalResponse(codeUndefinedDatabase, fmt.Sprintf("database %q does not exist", database)))
		return
	}
	if !s.allow(conn.RemoteAddr()) {
		reject("rate_limited", fatalResponse(codeTooManyConnections, "too many connection attempts from this host"))
		return
	}
	if !s.admit() {
		reject("max_connections", fatalResponse(codeTooManyConnections, "sorry, too many clients already"))
		return
	}
	defer s.active.Add(-1)

	identity, err := s.authenticate(conn, w, user)
	if err != nil {
		var authErr *domain.AuthError
		if !errors.As(err, &authErr) {
			logger.Warn("authentication error", "user", user, "error", err)
			err = domain.ErrAuth("password authentication failed for user %q", user)
		}
		reject("auth_failed", errorResponse(err))
		return
	}

	sess, err := s.newSession(conn, w, identity, database, params)
	if err != nil {
		reject("bad_startup_parameter", fatalResponse(sqlStateForError(err), err.Error()))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.cancels.register(sess)
	defer s.cancels.unregister(sess.pid)
	if s.opts.Observer != nil {
		s.opts.Observer.ConnectionOpened()
		defer s.opts.Observer.ConnectionClosed()
	}

	sess.greet()
	if w.err != nil {
		return
	}
	appName, _ := sess.settings.get("application_name")
	sess.logger.Info("session started", "application_name", appName)
	started := time.Now()
	sess.serve(bufio.NewReader(conn))
	sess.logger.Info("session ended", "duration", time.Since(started))
}

// startup reads startup-phase packets until a StartupMessage arrives. It
// answers SSL and GSSAPI encryption requests and serves CancelRequests, for
// which it returns nil parameters.
func (s *Server) startup(conn net.Conn) (net.Conn, map[string]string, error) {
	for {
		code, body, err := readStartupPacket(conn)
		if err != nil {
			return conn, nil, err
		}
		switch code {
		case sslRequestCode:
			if _, upgraded := conn.(*tls.Conn); upgraded || s.opts.TLSConfig == nil {
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return conn, nil, err
				}
				continue
			}
			if _, err := conn.Write([]byte{'S'}); err != nil {
				return conn, nil, err
			}
			tlsConn := tls.Server(conn, s.opts.TLSConfig)
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
			err := tlsConn.HandshakeContext(ctx)
			cancel()
			if err != nil {
				return conn, nil, fmt.Errorf("tls handshake: %w", err)
			}
			conn = tlsConn
		case gssEncRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return conn, nil, err
			}
		case cancelRequestCode:
			if len(body) != 8 {
				return conn, nil, domain.ErrProtocol("invalid length of cancel request")
			}
			pid, secret := binary.BigEndian.Uint32(body[:4]), binary.BigEndian.Uint32(body[4:])
			if s.cancels.cancel(pid, secret) {
				s.logger.Info("cancel request served", "pid", pid)
			}
			return conn, nil, nil
		case protocolVersion3:
			var msg pgproto3.StartupMessage
			if err := msg.Decode(append(binary.BigEndian.AppendUint32(nil, code), body...)); err != nil {
				return conn, nil, domain.ErrProtocol("invalid startup packet layout: %v", err)
			}
			return conn, msg.Parameters, nil
		default:
			return conn, nil, domain.ErrProtocol("unsupported frontend protocol %d.%d: server supports 3.0 to 3.0", code>>16, code&0xffff)
		}
	}
}

func (s *Server) authenticate(conn net.Conn, w *writer, user string) (*auth.Identity, error) {
	var password string
	if s.opts.Auth.NeedsPassword() {
		w.send(&pgproto3.AuthenticationCleartextPassword{})
		if err := w.flush(); err != nil {
			return nil, err
		}
		f, err := readFrame(conn, s.opts.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		if f.typ != 'p' {
			return nil, domain.ErrProtocol("expected password response, got message type %q", f.typ)
		}
		msg, err := decodeFrontend(f)
		if err != nil {
			return nil, err
		}
		password = msg.(*pgproto3.PasswordMessage).Password
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.HandshakeTimeout)
	defer cancel()
	return s.opts.Auth.Authenticate(ctx, user, password)
}

// startupOptions are startup packet keys that are not run-time parameters.
var startupOptions = map[string]bool{"user": true, "database": true, "options": true, "replication": true}

func (s *Server) newSession(conn net.Conn, w *writer, id *auth.Identity, database string, params map[string]string) (*session, error) {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	sess := &session{
		srv:      s,
		conn:     conn,
		w:        w,
		types:    pgtype.NewMap(),
		user:     id.User,
		database: database,
		pid:      s.nextPID.Add(1),
		secret:   randomSecret(),
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan frame, frameBacklog),
		tx:       txIdle,
		local:    map[string]string{},
		stmts:    map[string]*statement{},
		portals:  map[string]*portal{},
		settings: newSettings(map[string]string{
			"server_version":        s.opts.ServerVersion,
			"session_authorization": id.User,
			"statement_timeout":     formatTimeout(s.opts.QueryTimeout),
		}),
	}
	sess.logger = s.logger.With("session_id", uuid.NewString(), "user", id.User, "pid", sess.pid)

	values := map[string]string{}
	for k, v := range params {
		if !startupOptions[k] {
			values[k] = v
		}
	}
	for k, v := range parseStartupOptions(params["options"]) {
		values[k] = v
	}
	for k, v := range values {
		if _, err := sess.settings.set(k, v); err != nil {
			cancel(nil)
			return nil, err
		}
	}
	// RESET returns to the values the client connected with.
	sess.settings.commitDefaults()
	return sess, nil
}

// parseStartupOptions extracts -c name=value pairs from the options
// startup parameter.
func parseStartupOptions(options string) map[string]string {
	out := map[string]string{}
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		var kv string
		switch {
		case f == "-c" && i+1 < len(fields):
			i++
			kv = fields[i]
		case strings.HasPrefix(f, "-c"):
			kv = f[2:]
		case strings.HasPrefix(f, "--"):
			kv = f[2:]
		default:
			continue
		}
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[strings.ReplaceAll(k, "-", "_")] = v
		}
	}
	return out
}

// greet completes the startup sequence.
func (s *session) greet() {
	s.w.send(&pgproto3.AuthenticationOk{})
	for _, p := range parameters {
		if p.report {
			v, _ := s.settings.get(p.name)
			s.parameterStatus(p.name, v)
		}
	}
	s.w.send(&pgproto3.BackendKeyData{ProcessID: s.pid, SecretKey: s.secret})
	s.ready()
}

// lingerClose half-closes conn and discards unread input for a moment so
// that a final error message is not lost to a connection reset.
func lingerClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	_, _ = io.Copy(io.Discard, conn)
}

func randomSecret() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
