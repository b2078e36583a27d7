package pgwire

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"semgate/internal/analyzer"
	"semgate/internal/catalog"
)

// wireOID is the type OID advertised for a column. Untyped columns are
// sent as text.
func wireOID(t catalog.WireType) uint32 {
	if t.OID == pgtype.UnknownOID || t.OID == 0 {
		return pgtype.TextOID
	}
	return t.OID
}

func wireSize(t catalog.WireType) int16 {
	if t.OID == pgtype.UnknownOID || t.OID == 0 {
		return catalog.TypeText.Size
	}
	return t.Size
}

// formatFor resolves the format code of column i from a Bind's result
// format list: none means text, one applies to every column.
func formatFor(formats []int16, i int) int16 {
	switch len(formats) {
	case 0:
		return pgtype.TextFormatCode
	case 1:
		return formats[0]
	default:
		return formats[i]
	}
}

func checkResultFormats(formats []int16, columns int) error {
	if len(formats) > 1 && len(formats) != columns {
		return newError(codeProtocolViolation,
			fmt.Sprintf("bind message has %d result formats but query has %d columns", len(formats), columns))
	}
	for _, f := range formats {
		if f != pgtype.TextFormatCode && f != pgtype.BinaryFormatCode {
			return newError(codeProtocolViolation, fmt.Sprintf("unsupported format code: %d", f))
		}
	}
	return nil
}

func rowDescription(cols []analyzer.OutputColumn, formats []int16) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(c.Name),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          wireOID(c.Type),
			DataTypeSize:         wireSize(c.Type),
			TypeModifier:         -1,
			Format:               formatFor(formats, i),
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

// encoder turns result rows into DataRow messages using the column types
// declared by the analyzer, whatever Go types the executor produced.
type encoder struct {
	m       *pgtype.Map
	cols    []analyzer.OutputColumn
	formats []int16

	buf  []byte
	ends []int
	row  pgproto3.DataRow
}

func newEncoder(m *pgtype.Map, cols []analyzer.OutputColumn, formats []int16) *encoder {
	return &encoder{
		m:       m,
		cols:    cols,
		formats: formats,
		ends:    make([]int, len(cols)),
		row:     pgproto3.DataRow{Values: make([][]byte, len(cols))},
	}
}

// dataRow encodes vals. The returned message is only valid until the next
// call.
func (e *encoder) dataRow(vals []any) (*pgproto3.DataRow, error) {
	if len(vals) != len(e.cols) {
		return nil, fmt.Errorf("row has %d values, expected %d", len(vals), len(e.cols))
	}
	e.buf = e.buf[:0]
	for i, col := range e.cols {
		v, err := normalize(vals[i], col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		if v == nil {
			e.ends[i] = -1
			continue
		}
		out, err := e.m.Encode(wireOID(col.Type), formatFor(e.formats, i), v, e.buf)
		if err != nil {
			return nil, fmt.Errorf("column %q: encode %T: %w", col.Name, v, err)
		}
		if out == nil {
			e.ends[i] = -1
			continue
		}
		e.buf = out
		e.ends[i] = len(e.buf)
	}
	start := 0
	for i, end := range e.ends {
		if end < 0 {
			e.row.Values[i] = nil
			continue
		}
		e.row.Values[i] = e.buf[start:end:end]
		start = end
	}
	return &e.row, nil
}

// normalize converts a value from the warehouse driver or the
// introspection engine into a Go value pgtype can encode as t.
func normalize(v any, t catalog.WireType) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		if x.IsInt64() {
			v = x.Int64()
		} else {
			v = pgtype.Numeric{Int: x, Valid: true}
		}
	case int:
		v = int64(x)
	case int8:
		v = int64(x)
	case int16:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint8:
		v = int64(x)
	case uint16:
		v = int64(x)
	case uint32:
		v = int64(x)
	case uint:
		v = bigOrInt(uint64(x))
	case uint64:
		v = bigOrInt(x)
	case float32:
		v = float64(x)
	case []byte:
		v = string(x)
	}

	switch wireOID(t) {
	case pgtype.TextOID, pgtype.NameOID:
		return asText(v), nil
	case pgtype.BoolOID:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return parseBool(x)
		}
	case pgtype.Int4OID, pgtype.Int8OID:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && math.Abs(x) < math.MaxInt64 {
				return int64(x), nil
			}
		case pgtype.Numeric:
			n, err := x.Int64Value()
			if err != nil {
				return nil, err
			}
			return n.Int64, nil
		case string:
			return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		}
	case pgtype.OIDOID:
		if x, ok := v.(int64); ok && x >= 0 && x <= math.MaxUint32 {
			return uint32(x), nil
		}
	case pgtype.Float8OID:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case pgtype.Numeric:
			f, err := x.Float64Value()
			if err != nil {
				return nil, err
			}
			return f.Float64, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		case fmt.Stringer:
			return strconv.ParseFloat(x.String(), 64)
		}
	case pgtype.NumericOID:
		switch x := v.(type) {
		case int64, float64, pgtype.Numeric:
			return x, nil
		case string:
			return scanNumeric(x)
		case fmt.Stringer:
			return scanNumeric(x.String())
		}
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTime(x)
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("cannot send %T as %s", v, t.Name)
}

func bigOrInt(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return pgtype.Numeric{Int: new(big.Int).SetUint64(u), Valid: true}
}

func scanNumeric(s string) (any, error) {
	var n pgtype.Numeric
	if err := n.Scan(strings.TrimSpace(s)); err != nil {
		return nil, err
	}
	return n, nil
}

func asText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// parseBool accepts the spellings PostgreSQL accepts for boolean input.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "y", "yes", "on", "1":
		return true, nil
	case "f", "false", "n", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid input syntax for type boolean: %q", s)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid input syntax for type timestamp: %q", s)
}
