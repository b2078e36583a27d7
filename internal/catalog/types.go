package catalog

import (
	"cmp"
	"slices"

	"github.com/jackc/pgx/v5/pgtype"

	"semgate/internal/domain"
)

// WireType is the PostgreSQL type a virtual column is declared with.
type WireType struct {
	Name string
	OID  uint32
	// Size is the pg_type.typlen value; -1 for variable length.
	Size int16
}

var (
	TypeText        = WireType{Name: "text", OID: pgtype.TextOID, Size: -1}
	TypeBool        = WireType{Name: "boolean", OID: pgtype.BoolOID, Size: 1}
	TypeInt4        = WireType{Name: "integer", OID: pgtype.Int4OID, Size: 4}
	TypeInt8        = WireType{Name: "bigint", OID: pgtype.Int8OID, Size: 8}
	TypeFloat8      = WireType{Name: "double precision", OID: pgtype.Float8OID, Size: 8}
	TypeNumeric     = WireType{Name: "numeric", OID: pgtype.NumericOID, Size: -1}
	TypeDate        = WireType{Name: "date", OID: pgtype.DateOID, Size: 4}
	TypeTimestamp   = WireType{Name: "timestamp without time zone", OID: pgtype.TimestampOID, Size: 8}
	TypeTimestamptz = WireType{Name: "timestamp with time zone", OID: pgtype.TimestamptzOID, Size: 8}
	TypeName        = WireType{Name: "name", OID: pgtype.NameOID, Size: 64}
	TypeOID         = WireType{Name: "oid", OID: pgtype.OIDOID, Size: 4}
	TypeUnknown     = WireType{Name: "unknown", OID: pgtype.UnknownOID, Size: -2}
)

var knownTypes = []WireType{
	TypeText, TypeBool, TypeInt4, TypeInt8, TypeFloat8, TypeNumeric,
	TypeDate, TypeTimestamp, TypeTimestamptz, TypeName, TypeOID, TypeUnknown,
}

var typesByOID = map[uint32]WireType{}

func init() {
	for _, t := range knownTypes {
		typesByOID[t.OID] = t
	}
}

// KnownTypes lists every wire type the gateway can declare, ordered by OID.
func KnownTypes() []WireType {
	out := slices.Clone(knownTypes)
	slices.SortFunc(out, func(a, b WireType) int { return cmp.Compare(a.OID, b.OID) })
	return out
}

// TypeForOID returns the known wire type for oid.
func TypeForOID(oid uint32) (WireType, bool) {
	t, ok := typesByOID[oid]
	return t, ok
}

// TypeForCast maps a SQL type name, as written in a cast, to a wire type.
func TypeForCast(name string) (WireType, bool) {
	switch name {
	case "text", "varchar", "character varying", "char", "character", "bpchar", "pg_catalog.text":
		return TypeText, true
	case "bool", "boolean":
		return TypeBool, true
	case "int", "int4", "integer", "int2", "smallint":
		return TypeInt4, true
	case "int8", "bigint":
		return TypeInt8, true
	case "float8", "double precision", "float", "float4", "real":
		return TypeFloat8, true
	case "numeric", "decimal":
		return TypeNumeric, true
	case "date":
		return TypeDate, true
	case "timestamp", "timestamp without time zone":
		return TypeTimestamp, true
	case "timestamptz", "timestamp with time zone":
		return TypeTimestamptz, true
	case "name":
		return TypeName, true
	case "oid", "regclass", "regtype", "regnamespace", "regproc":
		return TypeOID, true
	}
	return WireType{}, false
}

// TypeForDimension maps a dimension kind to its wire type.
func TypeForDimension(kind domain.DimensionKind) WireType {
	switch kind {
	case domain.DimensionTime:
		return TypeTimestamp
	case domain.DimensionBoolean:
		return TypeBool
	default:
		return TypeText
	}
}

// TypeForMeasure maps a measure aggregation to its wire type.
func TypeForMeasure(agg domain.Aggregation) WireType {
	switch agg {
	case domain.AggCount, domain.AggCountDistinct:
		return TypeInt8
	default:
		return TypeNumeric
	}
}

// TypeForMetric maps a metric to its wire type. Simple metrics inherit the
// type of their measure; ratios and derived metrics are numeric.
func TypeForMetric(model *domain.SemanticModel, metric domain.Metric) WireType {
	if s, ok := metric.(*domain.SimpleMetric); ok {
		if ms, found := model.Measure(s.Measure); found {
			return TypeForMeasure(ms.Agg)
		}
	}
	return TypeNumeric
}
