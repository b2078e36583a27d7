package pgwire

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"semgate/internal/analyzer"
	"semgate/internal/pgsql"
	"semgate/internal/service/semantic"
)

// statement is a prepared statement. stmt is nil for an empty query.
type statement struct {
	name string
	stmt pgsql.Stmt
	oids []uint32
	cols []analyzer.OutputColumn
}

// portal is a bound statement. Its cursor stays open across Execute
// messages with a row limit.
type portal struct {
	name     string
	stmt     *statement
	analysis *analyzer.Analysis
	formats  []int16

	ctx    context.Context
	cancel context.CancelCauseFunc
	cur    *cursor
}

func (p *portal) close() {
	if p.cur != nil {
		p.cur.close()
	}
	if p.cancel != nil {
		p.cancel(nil)
	}
}

// extended finishes an extended-protocol message. After an error every
// message up to the next Sync is discarded.
func (s *session) extended(err error) {
	if err == nil {
		return
	}
	s.sendError(err)
	s.ignoreTillSync = true
}

func (s *session) lookupStatement(name string) (*statement, error) {
	if name == "" {
		if s.unnamed == nil {
			return nil, newError(codeUndefinedStatement, "unnamed prepared statement does not exist")
		}
		return s.unnamed, nil
	}
	ps, ok := s.stmts[name]
	if !ok {
		return nil, newError(codeUndefinedStatement, fmt.Sprintf("prepared statement %q does not exist", name))
	}
	return ps, nil
}

// analyze runs under the statement timeout and can be interrupted by a
// CancelRequest, since it may wait on the first catalog load.
func (s *session) analyze(stmt pgsql.Stmt) (*analyzer.Analysis, error) {
	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	defer s.track(cancel)()
	a, err := s.srv.svc.Analyze(ctx, stmt, s.scope())
	if err != nil {
		return nil, queryError(ctx, err)
	}
	return a, nil
}

func (s *session) parse(m *pgproto3.Parse) error {
	if m.Name != "" {
		if _, ok := s.stmts[m.Name]; ok {
			return newError(codeDuplicateStatement, fmt.Sprintf("prepared statement %q already exists", m.Name))
		}
		if len(s.stmts) >= s.srv.opts.MaxPreparedStatements {
			return newError(codeLimitExceeded, fmt.Sprintf(
				"too many prepared statements (max %d); close unused statements", s.srv.opts.MaxPreparedStatements))
		}
	}
	stmt, err := pgsql.Parse(m.Query)
	if err != nil {
		return semantic.ParseError(err)
	}
	ps := &statement{name: m.Name, stmt: stmt}
	if stmt != nil {
		if err := s.checkTx(stmt); err != nil {
			return err
		}
		a, err := s.analyze(stmt)
		if err != nil {
			return err
		}
		ps.oids = paramOIDs(m.ParameterOIDs, a.ParamTypes, max(len(m.ParameterOIDs), pgsql.MaxParam(stmt)))
		ps.cols = a.Columns
	}
	if m.Name == "" {
		s.unnamed = ps
	} else {
		s.stmts[m.Name] = ps
	}
	s.w.send(&pgproto3.ParseComplete{})
	return nil
}

func (s *session) bind(m *pgproto3.Bind) error {
	ps, err := s.lookupStatement(m.PreparedStatement)
	if err != nil {
		return err
	}
	if old, ok := s.portals[m.DestinationPortal]; ok {
		if m.DestinationPortal != "" {
			return newError(codeDuplicatePortal, fmt.Sprintf("portal %q already exists", m.DestinationPortal))
		}
		old.close()
		delete(s.portals, "")
	}

	p := &portal{name: m.DestinationPortal, stmt: ps, formats: m.ResultFormatCodes}
	if ps.stmt != nil {
		if err := s.checkTx(ps.stmt); err != nil {
			return err
		}
		args, err := bindArgs(s.types, ps.oids, m.ParameterFormatCodes, m.Parameters)
		if err != nil {
			return err
		}
		stmt := ps.stmt
		if sel, ok := stmt.(*pgsql.SelectStmt); ok && len(args) > 0 {
			bound, err := pgsql.BindParams(sel, args)
			if err != nil {
				return newError("42P02", err.Error())
			}
			stmt = bound
		}
		a, err := s.analyze(stmt)
		if err != nil {
			return err
		}
		if err := checkResultFormats(m.ResultFormatCodes, len(a.Columns)); err != nil {
			return err
		}
		p.analysis = a
	}
	s.portals[p.name] = p
	s.w.send(&pgproto3.BindComplete{})
	return nil
}

func (s *session) describe(m *pgproto3.Describe) error {
	switch m.ObjectType {
	case 'S':
		ps, err := s.lookupStatement(m.Name)
		if err != nil {
			return err
		}
		s.w.send(&pgproto3.ParameterDescription{ParameterOIDs: ps.oids})
		if ps.cols != nil {
			s.w.send(rowDescription(ps.cols, nil))
		} else {
			s.w.send(&pgproto3.NoData{})
		}
	case 'P':
		p, ok := s.portals[m.Name]
		if !ok {
			return newError(codeUndefinedPortal, fmt.Sprintf("portal %q does not exist", m.Name))
		}
		if p.analysis != nil && p.analysis.Columns != nil {
			s.w.send(rowDescription(p.analysis.Columns, p.formats))
		} else {
			s.w.send(&pgproto3.NoData{})
		}
	default:
		return newError(codeProtocolViolation, fmt.Sprintf("invalid DESCRIBE message subtype %d", m.ObjectType))
	}
	return nil
}

func (s *session) execute(m *pgproto3.Execute) (err error) {
	p, ok := s.portals[m.Portal]
	if !ok {
		return newError(codeUndefinedPortal, fmt.Sprintf("portal %q does not exist", m.Portal))
	}
	if p.analysis == nil {
		s.w.send(&pgproto3.EmptyQueryResponse{})
		return nil
	}
	if err := s.checkTx(p.analysis.Stmt); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.observe(p.analysis.Class.String(), start, err) }()

	if p.cur == nil {
		p.ctx, p.cancel = context.WithCancelCause(s.ctx)
		stop := s.track(p.cancel)
		defer stop()
		c, err := s.open(p.ctx, p.analysis)
		if err != nil {
			return err
		}
		p.cur = c
	} else {
		defer s.track(p.cancel)()
	}

	suspended, err := s.stream(p.ctx, p.cur, newEncoder(s.types, p.cur.cols, p.formats), int64(m.MaxRows))
	if err != nil {
		p.cur.close()
		return err
	}
	if suspended {
		s.w.send(&pgproto3.PortalSuspended{})
		return nil
	}
	s.w.send(&pgproto3.CommandComplete{CommandTag: []byte(p.cur.commandTag())})
	return nil
}

func (s *session) closeObject(m *pgproto3.Close) error {
	switch m.ObjectType {
	case 'S':
		if m.Name == "" {
			s.unnamed = nil
		} else {
			delete(s.stmts, m.Name)
		}
	case 'P':
		if p, ok := s.portals[m.Name]; ok {
			p.close()
			delete(s.portals, m.Name)
		}
	default:
		return newError(codeProtocolViolation, fmt.Sprintf("invalid CLOSE message subtype %d", m.ObjectType))
	}
	s.w.send(&pgproto3.CloseComplete{})
	return nil
}

// sync ends an extended-protocol batch. Outside a transaction block the
// implicit transaction ends with it, and with it every portal.
func (s *session) sync() {
	s.ignoreTillSync = false
	if s.tx == txIdle {
		s.closePortals()
	}
	s.ready()
}
