package pgwire

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"semgate/internal/pgsql"
	"semgate/internal/service/semantic"
)

// simpleQuery runs a Query message: every statement in order, stopping at
// the first error, then a single ReadyForQuery.
func (s *session) simpleQuery(sql string) {
	defer s.ready()

	stmts, err := pgsql.ParseAll(sql)
	if err != nil {
		s.sendError(semantic.ParseError(err))
		return
	}
	if len(stmts) == 0 {
		s.w.send(&pgproto3.EmptyQueryResponse{})
		return
	}
	for _, stmt := range stmts {
		if err := s.simpleStatement(stmt); err != nil {
			s.sendError(err)
			return
		}
		if s.w.err != nil {
			return
		}
	}
}

func (s *session) simpleStatement(stmt pgsql.Stmt) (err error) {
	if err := s.checkTx(stmt); err != nil {
		return err
	}
	start, class := time.Now(), "invalid"
	defer func() { s.observe(class, start, err) }()

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	defer s.track(cancel)()

	a, err := s.srv.svc.Analyze(ctx, stmt, s.scope())
	if err != nil {
		return queryError(ctx, err)
	}
	class = a.Class.String()
	c, err := s.open(ctx, a)
	if err != nil {
		return err
	}
	defer c.close()

	if c.rows != nil {
		s.w.send(rowDescription(c.cols, nil))
		if _, err := s.stream(ctx, c, newEncoder(s.types, c.cols, nil), 0); err != nil {
			return err
		}
	}
	s.w.send(&pgproto3.CommandComplete{CommandTag: []byte(c.commandTag())})
	return nil
}
