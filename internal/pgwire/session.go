package pgwire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"semgate/internal/analyzer"
	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/pgsql"
	"semgate/internal/service/semantic"
)

// txState is the transaction status byte reported in ReadyForQuery.
type txState byte

const (
	txIdle    txState = 'I'
	txInBlock txState = 'T'
	txFailed  txState = 'E'
)

// frameBacklog bounds how many pipelined messages the reader may queue
// while a statement runs. Past it the reader blocks and a disconnect is
// only noticed once the statement ends.
const frameBacklog = 32

type session struct {
	srv    *Server
	conn   net.Conn
	w      *writer
	types  *pgtype.Map
	logger *slog.Logger

	user     string
	database string
	pid      uint32
	secret   uint32

	// ctx is canceled when the client disconnects or the server stops.
	ctx    context.Context
	cancel context.CancelCauseFunc
	frames chan frame

	tx       txState
	settings *settings
	// local holds values overwritten by SET LOCAL, restored at the end of
	// the transaction block.
	local          map[string]string
	stmts          map[string]*statement
	unnamed        *statement
	portals        map[string]*portal
	ignoreTillSync bool

	mu          sync.Mutex
	queryCancel context.CancelCauseFunc
}

// sessionView is a copy of the session state handed to statement
// execution, which may outlive the wait when a query is canceled.
type sessionView struct {
	scope    analyzer.Scope
	settings map[string]string
	pid      uint32
}

var _ engine.Session = sessionView{}

func (v sessionView) Scope() analyzer.Scope { return v.scope }
func (v sessionView) BackendPID() uint32    { return v.pid }

func (v sessionView) Setting(name string) (string, bool) {
	s, ok := v.settings[strings.ToLower(name)]
	return s, ok
}

func (s *session) scope() analyzer.Scope {
	return analyzer.Scope{
		SearchPath: s.settings.searchPath(),
		Database:   s.database,
		User:       s.user,
	}
}

func (s *session) view() sessionView {
	return sessionView{scope: s.scope(), settings: s.settings.clone(), pid: s.pid}
}

// cancelQuery aborts the statement currently running, if any.
func (s *session) cancelQuery(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryCancel != nil {
		s.queryCancel(cause)
	}
}

// track registers cancel as the in-flight statement's cancel func and
// arms the statement timeout. The returned func disarms both.
func (s *session) track(cancel context.CancelCauseFunc) func() {
	var timer *time.Timer
	if d := s.settings.statementTimeout(); d > 0 {
		timer = time.AfterFunc(d, func() { cancel(errQueryTimeout) })
	}
	s.mu.Lock()
	s.queryCancel = cancel
	s.mu.Unlock()
	return func() {
		if timer != nil {
			timer.Stop()
		}
		s.mu.Lock()
		s.queryCancel = nil
		s.mu.Unlock()
	}
}

func (s *session) readLoop(r io.Reader) {
	for {
		f, err := readFrame(r, s.srv.opts.MaxMessageSize)
		if err != nil {
			var protocol *domain.ProtocolError
			if !errors.As(err, &protocol) {
				s.cancel(errDisconnected)
				return
			}
			f.err = err
		}
		select {
		case s.frames <- f:
		case <-s.ctx.Done():
			return
		}
		if f.err != nil {
			return
		}
	}
}

// serve runs the main message loop until the client terminates, the
// connection fails, or the server shuts down.
func (s *session) serve(r io.Reader) {
	defer s.closeAll()
	go s.readLoop(r)

	var idle *time.Timer
	for {
		var idleC <-chan time.Time
		if d := s.srv.opts.IdleTimeout; d > 0 {
			idle = time.NewTimer(d)
			idleC = idle.C
		}
		select {
		case f := <-s.frames:
			if idle != nil {
				idle.Stop()
			}
			if f.err != nil {
				s.fatal(f.err)
				return
			}
			if !s.dispatch(f) {
				return
			}
		case <-idleC:
			s.logger.Info("closing idle session", "idle_timeout", s.srv.opts.IdleTimeout)
			s.w.send(fatalResponse(codeIdleSessionTimeout, "terminating connection due to idle-session timeout"))
			_ = s.w.flush()
			return
		case <-s.srv.draining:
			s.w.send(fatalResponse(codeAdminShutdown, "terminating connection due to administrator command"))
			_ = s.w.flush()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch handles one frontend message and reports whether the session
// should keep running.
func (s *session) dispatch(f frame) bool {
	msg, err := decodeFrontend(f)
	if err != nil {
		s.fatal(err)
		return false
	}
	if s.ignoreTillSync {
		switch msg.(type) {
		case *pgproto3.Sync, *pgproto3.Terminate:
		default:
			return true
		}
	}

	switch m := msg.(type) {
	case *pgproto3.Query:
		s.simpleQuery(m.String)
	case *pgproto3.Parse:
		s.extended(s.parse(m))
	case *pgproto3.Bind:
		s.extended(s.bind(m))
	case *pgproto3.Describe:
		s.extended(s.describe(m))
	case *pgproto3.Execute:
		s.extended(s.execute(m))
	case *pgproto3.Close:
		s.extended(s.closeObject(m))
	case *pgproto3.Sync:
		s.sync()
	case *pgproto3.Flush:
		_ = s.w.flush()
	case *pgproto3.Terminate:
		return false
	default:
		s.fatal(domain.ErrProtocol("unexpected message type %q", f.typ))
		return false
	}
	if s.w.err != nil {
		s.logger.Debug("session write failed", "error", s.w.err)
		return false
	}
	return true
}

func (s *session) fatal(err error) {
	s.logger.Warn("closing session", "error", err)
	s.w.send(errorResponse(err))
	_ = s.w.flush()
}

func (s *session) ready() {
	s.w.send(&pgproto3.ReadyForQuery{TxStatus: byte(s.tx)})
	_ = s.w.flush()
}

func (s *session) notice(severity, code, message string) {
	s.w.send(&pgproto3.NoticeResponse{
		Severity:            severity,
		SeverityUnlocalized: severity,
		Code:                code,
		Message:             message,
	})
}

func (s *session) parameterStatus(name, value string) {
	s.w.send(&pgproto3.ParameterStatus{Name: name, Value: value})
}

// sendError reports a statement failure. Inside a transaction block the
// block becomes failed.
func (s *session) sendError(err error) {
	if s.tx == txInBlock {
		s.tx = txFailed
	}
	attrs := []any{"sqlstate", sqlStateForError(err), "error", err}
	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		attrs = append(attrs, "sql", execErr.SQL)
		s.logger.Warn("warehouse query failed", attrs...)
	} else {
		s.logger.Debug("statement failed", attrs...)
	}
	s.w.send(errorResponse(err))
}

func (s *session) checkTx(stmt pgsql.Stmt) error {
	if s.tx != txFailed {
		return nil
	}
	if t, ok := stmt.(*pgsql.TransactionStmt); ok && t.Kind != pgsql.TxBegin {
		return nil
	}
	return newError(codeInFailedTransaction, "current transaction is aborted, commands ignored until end of transaction block")
}

// queryError prefers the cancellation cause over whatever the canceled
// call returned.
func queryError(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func (s *session) observe(class string, start time.Time, err error) {
	if s.srv.opts.Observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if sqlStateForError(err) == codeQueryCanceled {
			outcome = "canceled"
		}
	}
	s.srv.opts.Observer.QueryFinished(class, outcome, time.Since(start))
}

// cursor is an open statement result. Statements without rows carry only
// a command tag.
type cursor struct {
	cols    []analyzer.OutputColumn
	rows    domain.Rows
	tag     string
	pending bool
	sent    int64
	done    bool
}

func (c *cursor) commandTag() string {
	if c.tag == "SELECT" {
		return "SELECT " + strconv.FormatInt(c.sent, 10)
	}
	return c.tag
}

func (c *cursor) advance() bool {
	if c.pending {
		c.pending = false
		return true
	}
	return c.rows.Next()
}

func (c *cursor) finish() error {
	c.done = true
	err := c.rows.Err()
	if cerr := c.rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *cursor) close() {
	if c.rows != nil && !c.done {
		c.done = true
		_ = c.rows.Close()
	}
}

// open starts a statement. Session statements run immediately; data and
// introspection statements are handed to the query service.
func (s *session) open(ctx context.Context, a *analyzer.Analysis) (*cursor, error) {
	if a.Class == analyzer.ClassSession {
		return s.execSession(a)
	}
	res, err := s.run(ctx, a)
	if err != nil {
		return nil, err
	}
	return &cursor{cols: res.Columns, rows: res.Rows, tag: "SELECT"}, nil
}

// run executes a statement in its own goroutine and waits for it or for
// cancellation. Results that arrive after cancellation are closed unread.
func (s *session) run(ctx context.Context, a *analyzer.Analysis) (*semantic.Result, error) {
	type outcome struct {
		res *semantic.Result
		err error
	}
	view := s.view()
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.srv.svc.Run(ctx, a, view)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case o := <-ch:
		if o.err != nil {
			return nil, queryError(ctx, o.err)
		}
		return o.res, nil
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.res != nil && o.res.Rows != nil {
				_ = o.res.Rows.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

// stream sends rows until the result is exhausted or max rows have been
// sent, and reports whether rows remain.
func (s *session) stream(ctx context.Context, c *cursor, enc *encoder, limit int64) (bool, error) {
	c.sent = 0
	if c.rows == nil || c.done {
		return false, nil
	}
	for limit <= 0 || c.sent < limit {
		if ctx.Err() != nil {
			return false, context.Cause(ctx)
		}
		if !c.advance() {
			return false, queryError(ctx, c.finish())
		}
		vals, err := c.rows.Values()
		if err != nil {
			return false, queryError(ctx, err)
		}
		msg, err := enc.dataRow(vals)
		if err != nil {
			return false, err
		}
		s.w.send(msg)
		s.w.maybeFlush()
		if s.w.err != nil {
			return false, s.w.err
		}
		c.sent++
	}
	if c.advance() {
		c.pending = true
		return true, nil
	}
	return false, queryError(ctx, c.finish())
}

func (s *session) execSession(a *analyzer.Analysis) (*cursor, error) {
	switch st := a.Stmt.(type) {
	case *pgsql.SetStmt:
		return s.execSet(st)
	case *pgsql.ResetStmt:
		return s.execReset(st)
	case *pgsql.ShowStmt:
		rows, err := s.settings.show(st.Name)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(a.Columns))
		for i, c := range a.Columns {
			names[i] = c.Name
		}
		return &cursor{cols: a.Columns, rows: engine.NewRows(names, rows), tag: "SHOW"}, nil
	case *pgsql.TransactionStmt:
		return s.execTransaction(st), nil
	case *pgsql.DiscardStmt:
		return s.execDiscard(st)
	}
	return nil, domain.ErrNotSupported("statement %T is not supported", a.Stmt)
}

func (s *session) execSet(st *pgsql.SetStmt) (*cursor, error) {
	done := &cursor{tag: "SET"}
	if st.Name == "transaction" {
		return done, nil
	}
	if st.Local {
		if s.tx == txIdle {
			s.notice("WARNING", "25P01", "SET LOCAL can only be used in transaction blocks")
			return done, nil
		}
		key := strings.ToLower(st.Name)
		if _, saved := s.local[key]; !saved {
			prev, _ := s.settings.get(key)
			s.local[key] = prev
		}
	}
	var (
		report bool
		err    error
	)
	if st.ToDefault {
		report, err = s.settings.reset(st.Name)
	} else {
		report, err = s.settings.set(st.Name, setValue(st.Name, st.Values))
	}
	if err != nil {
		return nil, err
	}
	if report {
		s.reportParameter(st.Name)
	}
	return done, nil
}

func (s *session) execReset(st *pgsql.ResetStmt) (*cursor, error) {
	if st.All {
		s.resetSettings()
		return &cursor{tag: "RESET"}, nil
	}
	report, err := s.settings.reset(st.Name)
	if err != nil {
		return nil, err
	}
	if report {
		s.reportParameter(st.Name)
	}
	return &cursor{tag: "RESET"}, nil
}

// resetSettings restores every parameter to its session default and
// reports the ones that changed.
func (s *session) resetSettings() {
	before := s.settings.clone()
	s.settings.resetAll()
	for _, p := range parameters {
		key := strings.ToLower(p.name)
		if v, _ := s.settings.get(key); p.report && v != before[key] {
			s.parameterStatus(p.name, v)
		}
	}
}

func (s *session) reportParameter(name string) {
	p, ok := lookupParameter(name)
	if !ok {
		return
	}
	v, _ := s.settings.get(p.name)
	s.parameterStatus(p.name, v)
}

func (s *session) execTransaction(st *pgsql.TransactionStmt) *cursor {
	switch st.Kind {
	case pgsql.TxBegin:
		if s.tx != txIdle {
			s.notice("WARNING", codeActiveTransaction, "there is already a transaction in progress")
		} else {
			s.tx = txInBlock
			s.notice("NOTICE", "00000", "transaction blocks provide no isolation; this server is read-only")
		}
		return &cursor{tag: "BEGIN"}
	case pgsql.TxCommit:
		tag := "COMMIT"
		switch s.tx {
		case txIdle:
			s.notice("WARNING", "25P01", "there is no transaction in progress")
		case txFailed:
			tag = "ROLLBACK"
		}
		s.endTransaction()
		return &cursor{tag: tag}
	default:
		if s.tx == txIdle {
			s.notice("WARNING", "25P01", "there is no transaction in progress")
		}
		s.endTransaction()
		return &cursor{tag: "ROLLBACK"}
	}
}

func (s *session) endTransaction() {
	s.tx = txIdle
	for key, prev := range s.local {
		if report, err := s.settings.set(key, prev); err == nil && report {
			s.reportParameter(key)
		}
	}
	clear(s.local)
}

func (s *session) execDiscard(st *pgsql.DiscardStmt) (*cursor, error) {
	target := strings.ToUpper(st.Target)
	if target != "ALL" {
		return &cursor{tag: "DISCARD " + target}, nil
	}
	if s.tx != txIdle {
		return nil, newError(codeActiveTransaction, "DISCARD ALL cannot run inside a transaction block")
	}
	s.resetSettings()
	s.closePortals()
	clear(s.stmts)
	s.unnamed = nil
	return &cursor{tag: "DISCARD ALL"}, nil
}

func (s *session) closePortals() {
	for name, p := range s.portals {
		p.close()
		delete(s.portals, name)
	}
}

func (s *session) closeAll() {
	s.closePortals()
	s.cancel(errDisconnected)
}
