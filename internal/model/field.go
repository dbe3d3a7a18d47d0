// Package model defines the config-time data model shared by every
// ingester family: Field, Ingester, and the value types fields carry.
//
// Types here are populated once at config load and mutated only by the
// single worker goroutine that owns a given Ingester's scheduled tick
// (the single-owner invariant from the concurrency model). Nothing in
// this package performs I/O.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// FieldType enumerates the scalar types a Field's collected value may hold.
type FieldType string

const (
	TypeInt8    FieldType = "int8"
	TypeInt16   FieldType = "int16"
	TypeInt32   FieldType = "int32"
	TypeInt64   FieldType = "int64"
	TypeUint8   FieldType = "uint8"
	TypeUint16  FieldType = "uint16"
	TypeUint32  FieldType = "uint32"
	TypeUint64  FieldType = "uint64"
	TypeFloat32 FieldType = "float32"
	TypeFloat64 FieldType = "float64"
	TypeBool    FieldType = "bool"
	TypeTime    FieldType = "timestamp"
	TypeString  FieldType = "string"
	TypeBinary  FieldType = "binary"
	TypeVarbin  FieldType = "varbinary"
)

// ValidFieldTypes is the closed set of types a Field may declare.
var ValidFieldTypes = map[FieldType]bool{
	TypeInt8: true, TypeInt16: true, TypeInt32: true, TypeInt64: true,
	TypeUint8: true, TypeUint16: true, TypeUint32: true, TypeUint64: true,
	TypeFloat32: true, TypeFloat64: true, TypeBool: true, TypeTime: true,
	TypeString: true, TypeBinary: true, TypeVarbin: true,
}

// Field is the smallest schema unit collected by an ingester.
type Field struct {
	Name         string
	Type         FieldType
	Target       string // source URL, "chain:addr", or empty -> inherit from Ingester
	Selector     string // JSON-path, CSS selector, XPath, event signature, or ABI
	Params       ParamList
	Method       string
	Headers      map[string]string
	Handler      string // stream-event mapper expression (ws_api)
	Reducer      string // stream-window reducer expression (ws_api)
	Transformers []string
	Transient    bool // if true, value is computed but never persisted
	Probability  float64

	// Value holds the field's current runtime value. It is mutated solely
	// by the owning ingester's tick callback.
	Value any
}

// ParamList holds either a positional argument list or a named argument
// map, mirroring the config's "params: list or mapping" flexibility.
type ParamList struct {
	List []string
	Map  map[string]string
}

// ID derives the field's stable identifier: a hash of
// (name,type,target,selector,params,transformers). The config loader
// keeps the first field of each id within one ingester and drops the
// rest; it does not log or report the dropped fields.
func (f Field) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", f.Name, f.Type, f.Target, f.Selector)
	for _, p := range f.Params.List {
		fmt.Fprintf(h, "%s\x00", p)
	}
	for _, k := range sortedKeys(f.Params.Map) {
		fmt.Fprintf(h, "%s=%s\x00", k, f.Params.Map[k])
	}
	fmt.Fprintf(h, "%s\x00", strings.Join(f.Transformers, ","))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ResolvedTarget returns the field's target, inheriting the ingester's
// default when the field does not declare its own.
func (f Field) ResolvedTarget(defaultTarget string) string {
	if f.Target != "" {
		return f.Target
	}
	return defaultTarget
}

// ResolvedType returns the field's type, inheriting the ingester's default
// when the field declares none.
func (f Field) ResolvedType(defaultType FieldType) FieldType {
	if f.Type != "" {
		return f.Type
	}
	return defaultType
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort; param maps are small (call arguments).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
