package pgwire

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"semgate/internal/catalog"
	"semgate/internal/pgsql"
)

var numericLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// paramOIDs resolves the type of every parameter of a prepared statement:
// the type the client declared in Parse, else the analyzer's inference.
func paramOIDs(declared []uint32, inferred []catalog.WireType, count int) []uint32 {
	out := make([]uint32, count)
	for i := range out {
		switch {
		case i < len(declared) && declared[i] != 0:
			out[i] = declared[i]
		case i < len(inferred):
			out[i] = wireOID(inferred[i])
		default:
			out[i] = pgtype.TextOID
		}
	}
	return out
}

// bindArgs decodes Bind parameter values into SQL literals that replace
// the statement's $n placeholders. Values never reach the compiled SQL as
// raw text: numbers are validated and strings are quoted by the formatter.
func bindArgs(m *pgtype.Map, oids []uint32, formats []int16, values [][]byte) ([]pgsql.Expr, error) {
	if len(values) != len(oids) {
		return nil, newError(codeProtocolViolation,
			fmt.Sprintf("bind message supplies %d parameters, but prepared statement requires %d", len(values), len(oids)))
	}
	if len(formats) > 1 && len(formats) != len(values) {
		return nil, newError(codeProtocolViolation,
			fmt.Sprintf("bind message has %d parameter formats but %d parameters", len(formats), len(values)))
	}
	args := make([]pgsql.Expr, len(values))
	for i, raw := range values {
		if raw == nil {
			args[i] = &pgsql.Literal{Type: pgsql.LiteralNull, Value: "NULL"}
			continue
		}
		text := string(raw)
		if formatFor(formats, i) == pgtype.BinaryFormatCode {
			var err error
			if text, err = binaryToText(m, oids[i], raw); err != nil {
				return nil, newError(codeInvalidBinary,
					fmt.Sprintf("incorrect binary data format in bind parameter %d: %v", i+1, err))
			}
		}
		arg, err := literalFor(oids[i], text)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}
	return args, nil
}

func binaryToText(m *pgtype.Map, oid uint32, raw []byte) (string, error) {
	dt, ok := m.TypeForOID(oid)
	if !ok {
		return "", fmt.Errorf("unsupported type oid %d", oid)
	}
	v, err := dt.Codec.DecodeValue(m, oid, pgtype.BinaryFormatCode, raw)
	if err != nil {
		return "", err
	}
	buf, err := m.Encode(oid, pgtype.TextFormatCode, v, nil)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func literalFor(oid uint32, s string) (pgsql.Expr, error) {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.OIDOID:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, invalidInput("integer", s)
		}
		return &pgsql.Literal{Type: pgsql.LiteralNumber, Value: strconv.FormatInt(n, 10)}, nil
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		s = strings.TrimSpace(s)
		if !numericLiteral.MatchString(s) {
			return nil, invalidInput("numeric", s)
		}
		return &pgsql.Literal{Type: pgsql.LiteralNumber, Value: s}, nil
	case pgtype.BoolOID:
		b, err := parseBool(s)
		if err != nil {
			return nil, invalidInput("boolean", s)
		}
		return &pgsql.Literal{Type: pgsql.LiteralBool, Value: strconv.FormatBool(b)}, nil
	case pgtype.DateOID:
		return typedString(s, "date"), nil
	case pgtype.TimestampOID:
		return typedString(s, "timestamp"), nil
	case pgtype.TimestamptzOID:
		return typedString(s, "timestamptz"), nil
	default:
		return &pgsql.Literal{Type: pgsql.LiteralString, Value: s}, nil
	}
}

func typedString(s, typ string) pgsql.Expr {
	return &pgsql.CastExpr{Expr: &pgsql.Literal{Type: pgsql.LiteralString, Value: s}, TypeName: typ}
}

func invalidInput(typ, s string) error {
	return newError(codeInvalidText, fmt.Sprintf("invalid input syntax for type %s: %q", typ, s))
}
