package pgwire

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgproto3"

	"semgate/internal/domain"
)

// SQLSTATE codes the session raises itself.
const (
	codeProtocolViolation    = "08P01"
	codeInvalidAuthorization = "28000"
	codeInvalidPassword      = "28P01"
	codeTooManyConnections   = "53300"
	codeLimitExceeded        = "53400"
	codeIdleSessionTimeout   = "57P05"
	codeAdminShutdown        = "57P01"
	codeQueryCanceled        = "57014"
	codeInFailedTransaction  = "25P02"
	codeActiveTransaction    = "25001"
	codeReadOnlyTransaction  = "25006"
	codeUndefinedStatement   = "26000"
	codeUndefinedPortal      = "34000"
	codeCantChangeParameter  = "55P02"
	codeInvalidParameter     = "22023"
	codeInvalidText          = "22P02"
	codeInvalidBinary        = "22P03"
	codeUndefinedDatabase    = "3D000"
	codeDuplicateStatement   = "42P05"
	codeDuplicatePortal      = "42P03"
	codeFeatureNotSupported  = "0A000"
	codeInternal             = "XX000"
)

// pgError is an error with an explicit SQLSTATE, for conditions that have
// no counterpart in the domain taxonomy.
type pgError struct {
	code    string
	message string
}

func (e *pgError) Error() string { return e.message }

func newError(code, message string) *pgError {
	return &pgError{code: code, message: message}
}

// canceledError replaces context errors so the client sees why the
// statement stopped.
type canceledError struct {
	reason string
}

func (e *canceledError) Error() string { return "canceling statement due to " + e.reason }

var (
	errUserCancel   = &canceledError{reason: "user request"}
	errQueryTimeout = &canceledError{reason: "statement timeout"}
	errDisconnected = &canceledError{reason: "client disconnect"}
)

// sqlStateForError maps an error to its SQLSTATE.
func sqlStateForError(err error) string {
	var pe *pgError
	if errors.As(err, &pe) {
		return pe.code
	}
	var ce *canceledError
	if errors.As(err, &ce) {
		return codeQueryCanceled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return codeQueryCanceled
	}

	var protocol *domain.ProtocolError
	if errors.As(err, &protocol) {
		return codeProtocolViolation
	}
	var auth *domain.AuthError
	if errors.As(err, &auth) {
		if auth.MissingUser {
			return codeInvalidAuthorization
		}
		return codeInvalidPassword
	}
	var parse *domain.ParseError
	if errors.As(err, &parse) {
		return "42601"
	}
	var unknown *domain.UnknownObjectError
	if errors.As(err, &unknown) {
		switch unknown.Kind {
		case domain.ObjectSchema:
			return "3F000"
		case domain.ObjectTable:
			return "42P01"
		case domain.ObjectParameter:
			return "42704"
		}
		return "42703"
	}
	var ambiguous *domain.AmbiguousError
	if errors.As(err, &ambiguous) {
		if ambiguous.Kind == domain.ObjectTable {
			return "42712"
		}
		return "42702"
	}
	var notSupported *domain.NotSupportedError
	if errors.As(err, &notSupported) {
		if notSupported.ReadOnly {
			return codeReadOnlyTransaction
		}
		return codeFeatureNotSupported
	}
	var grouping *domain.GroupingError
	if errors.As(err, &grouping) {
		return "42803"
	}
	var translation *domain.TranslationError
	if errors.As(err, &translation) {
		return "42883"
	}
	var unavailable *domain.CatalogUnavailableError
	if errors.As(err, &unavailable) {
		return "57P03"
	}
	var execution *domain.ExecutionError
	if errors.As(err, &execution) {
		return "58000"
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return codeInvalidParameter
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return "42704"
	}
	return codeInternal
}

// isFatal reports whether err must terminate the connection.
func isFatal(err error) bool {
	var protocol *domain.ProtocolError
	var auth *domain.AuthError
	return errors.As(err, &protocol) || errors.As(err, &auth)
}

// errorResponse renders err as an ErrorResponse with severity ERROR, or
// FATAL for connection-fatal errors.
func errorResponse(err error) *pgproto3.ErrorResponse {
	severity := "ERROR"
	if isFatal(err) {
		severity = "FATAL"
	}
	msg := &pgproto3.ErrorResponse{
		Severity:            severity,
		SeverityUnlocalized: severity,
		Code:                sqlStateForError(err),
		Message:             err.Error(),
	}
	var parse *domain.ParseError
	if errors.As(err, &parse) && parse.Position > 0 {
		msg.Position = int32(parse.Position)
	}
	return msg
}

func fatalResponse(code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                code,
		Message:             message,
	}
}
