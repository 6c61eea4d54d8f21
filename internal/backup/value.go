package backup

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a column value for rendering.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	// KindNumeric is an exact number kept in its textual form (DECIMAL, NUMERIC,
	// and integers the driver hands over as text).
	KindNumeric
	KindBool
	KindString
	KindBytes
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindNumeric:
		return "numeric"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one typed cell of a row.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	// Text holds KindString and KindNumeric values.
	Text  string
	Bytes []byte
	Time  time.Time
	// DateOnly marks KindTime values read from DATE columns.
	DateOnly bool
	// floatBits is 32 for single precision floats.
	floatBits int
}

// Column describes a result column.
type Column struct {
	Name string
	// DatabaseType is the upper-cased engine type name, e.g. "VARCHAR".
	DatabaseType string
}

// Cell pairs a column name with its value.
type Cell struct {
	Column string
	Value  Value
}

// Row is one table row in column order.
type Row []Cell

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// ValueOf converts a value scanned by database/sql into a typed Value. The Go
// type decides first; text and byte values are classified by column type.
func ValueOf(col Column, raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case int64:
		return Value{Kind: KindInt, Int: v}
	case int32:
		return Value{Kind: KindInt, Int: int64(v)}
	case int:
		return Value{Kind: KindInt, Int: int64(v)}
	case uint64:
		return Value{Kind: KindNumeric, Text: strconv.FormatUint(v, 10)}
	case float64:
		return Value{Kind: KindFloat, Float: v, floatBits: 64}
	case float32:
		return Value{Kind: KindFloat, Float: float64(v), floatBits: 32}
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case time.Time:
		return Value{Kind: KindTime, Time: v, DateOnly: isDateType(col.DatabaseType)}
	case string:
		return textValue(col, v, nil)
	case []byte:
		return textValue(col, string(v), v)
	default:
		return Value{Kind: KindString, Text: fmt.Sprint(v)}
	}
}

func textValue(col Column, s string, b []byte) Value {
	typ := baseType(col.DatabaseType)
	switch {
	case isNumericType(typ) && numericPattern.MatchString(s):
		return Value{Kind: KindNumeric, Text: s}
	case isBoolType(typ):
		switch strings.ToLower(s) {
		case "t", "true":
			return Value{Kind: KindBool, Bool: true}
		case "f", "false":
			return Value{Kind: KindBool, Bool: false}
		}
	case b != nil && isBinaryType(typ):
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}
	}
	if b != nil && !utf8.Valid(b) {
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}
	}
	return Value{Kind: KindString, Text: s}
}

func baseType(typ string) string {
	typ = strings.ToUpper(strings.TrimSpace(typ))
	typ = strings.TrimPrefix(typ, "UNSIGNED ")
	if i := strings.IndexAny(typ, "( "); i >= 0 {
		typ = typ[:i]
	}
	return typ
}

func isNumericType(typ string) bool {
	switch typ {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR",
		"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL",
		"DECIMAL", "NUMERIC", "DEC", "FIXED",
		"FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		return true
	}
	return false
}

func isBoolType(typ string) bool {
	return typ == "BOOL" || typ == "BOOLEAN"
}

func isBinaryType(typ string) bool {
	switch typ {
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "BIT", "BYTEA", "GEOMETRY":
		return true
	}
	return false
}

func isDateType(typ string) bool {
	return baseType(typ) == "DATE"
}

// Render returns the SQL literal of v in the given dialect.
func Render(d Dialect, v Value) string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		switch {
		case math.IsNaN(v.Float):
			return d.QuoteString("NaN")
		case math.IsInf(v.Float, 1):
			return d.QuoteString("Infinity")
		case math.IsInf(v.Float, -1):
			return d.QuoteString("-Infinity")
		}
		bits := v.floatBits
		if bits == 0 {
			bits = 64
		}
		return strconv.FormatFloat(v.Float, 'g', -1, bits)
	case KindNumeric:
		return v.Text
	case KindBool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case KindBytes:
		return d.QuoteBytes(v.Bytes)
	case KindTime:
		return d.FormatTime(v.Time, v.DateOnly)
	default:
		return d.QuoteString(v.Text)
	}
}

// RenderInsert builds the INSERT statement restoring one row.
func RenderInsert(d Dialect, table string, row Row) string {
	columns := make([]string, len(row))
	values := make([]string, len(row))
	for i, cell := range row {
		columns[i] = d.QuoteIdent(cell.Column)
		values[i] = Render(d, cell.Value)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		d.QuoteIdent(table), strings.Join(columns, ", "), strings.Join(values, ", "))
}

// Script joins statements into artifact text, one statement per entry, each
// followed by a newline.
func Script(statements []string) string {
	var b strings.Builder
	for _, stmt := range statements {
		b.WriteString(stmt)
		b.WriteByte('\n')
	}
	return b.String()
}
