package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ResourceType controls whether an ingester's output is kept only as a
// latest-value cache snapshot or additionally appended to the TSDB.
type ResourceType string

const (
	ResourceValue      ResourceType = "value"
	ResourceSeries     ResourceType = "series"
	ResourceTimeseries ResourceType = "timeseries"
)

// IngesterType is the closed set of supported collector families.
type IngesterType string

const (
	TypeScrapper   IngesterType = "scrapper"
	TypeHTTPAPI    IngesterType = "http_api"
	TypeWSAPI      IngesterType = "ws_api"
	TypeEVMCaller  IngesterType = "evm_caller"
	TypeEVMLogger  IngesterType = "evm_logger"
)

// ValidIngesterTypes rejects any ingester_type outside the five families
// this implementation supports (spec open question: implement only these
// five and reject unknown tags at config load).
var ValidIngesterTypes = map[IngesterType]bool{
	TypeScrapper:  true,
	TypeHTTPAPI:   true,
	TypeWSAPI:     true,
	TypeEVMCaller: true,
	TypeEVMLogger: true,
}

// Ingester is an ordered set of Fields sharing an interval and a family tag.
// Name doubles as the TSDB table name and the pub/sub topic.
type Ingester struct {
	Name         string
	ResourceType ResourceType
	Interval     string
	IngesterType IngesterType

	// Inherited defaults, applied to any Field that does not set its own.
	DefaultTarget   string
	DefaultSelector string
	DefaultParams   ParamList
	DefaultHandler  string
	DefaultType     FieldType

	Fields []Field

	// IngestionTime is the floor-to-interval timestamp of the last
	// successful run. Mutated only by the owning worker's collect path.
	IngestionTime time.Time
}

// ID derives the ingester's stable identifier: a hash of
// (name,resource_type,interval,ingester_type, concat of field ids).
func (ing Ingester) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", ing.Name, ing.ResourceType, ing.Interval, ing.IngesterType)
	for _, f := range ing.Fields {
		fmt.Fprintf(h, "%s\x00", f.ID())
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// PersistedFields returns the non-transient fields, in declaration order —
// these are the ones written as TSDB columns and cache snapshot keys.
func (ing Ingester) PersistedFields() []Field {
	out := make([]Field, 0, len(ing.Fields))
	for _, f := range ing.Fields {
		if !f.Transient {
			out = append(out, f)
		}
	}
	return out
}

// DedupeFields removes Fields whose ID collides with an earlier one in the
// same ingester, returning the surviving fields and the names that were
// dropped. The config loader keeps the surviving fields and discards the
// dropped names without logging them.
func (ing Ingester) DedupeFields() (kept []Field, droppedNames []string) {
	seen := make(map[string]bool, len(ing.Fields))
	for _, f := range ing.Fields {
		id := f.ID()
		if seen[id] {
			droppedNames = append(droppedNames, f.Name)
			continue
		}
		seen[id] = true
		kept = append(kept, f)
	}
	return kept, droppedNames
}
