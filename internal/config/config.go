// Package config loads Chomp's declarative ingester configuration: a
// single YAML document naming the ingesters this process instance may
// run, keyed by ingester-family tag (scrapper, http_api, ws_api,
// evm_caller, evm_logger). Modeled on gastrolog/internal/config's
// Store-interface / declarative-Config split, simplified to load-only
// — v1 has no hot reload, matching the Non-goal.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"chomp/internal/model"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for any structural problem in the loaded
// document: an unknown ingester_type, a duplicate ingester name, or a
// missing required field.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the declarative shape of a loaded configuration document.
type Config struct {
	Ingesters []model.Ingester
}

// Loader reads and validates a YAML configuration document.
type Loader struct{}

// NewLoader returns a ready-to-use Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the YAML document at path and returns its validated,
// decoded Config. It never hot-reloads: callers that need a fresh copy
// must call Load again.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return l.LoadBytes(data)
}

// LoadBytes decodes and validates a YAML document already in memory,
// split out from Load so tests do not need a file on disk. Top-level
// keys are ingester-family tags (scrapper, http_api, ws_api,
// evm_caller, evm_logger); each value is a list of ingester maps whose
// own ingester_type is optional and, when absent, inferred from the
// family tag it was listed under.
func (l *Loader) LoadBytes(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}

	families := make([]string, 0, len(raw))
	for family := range raw {
		families = append(families, family)
	}
	sort.Strings(families)

	seenNames := make(map[string]bool)
	var ingesters []model.Ingester
	for _, family := range families {
		if !model.ValidIngesterTypes[model.IngesterType(family)] {
			return nil, fmt.Errorf("%w: unknown ingester family tag %q", ErrInvalidConfig, family)
		}
		for i, rawIng := range raw[family] {
			if rawIng.IngesterType == "" {
				rawIng.IngesterType = family
			}
			ing, err := rawIng.toModel()
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidConfig, family, i, err)
			}
			if ing.Name == "" {
				return nil, fmt.Errorf("%w: %s[%d]: name is required", ErrInvalidConfig, family, i)
			}
			if seenNames[ing.Name] {
				return nil, fmt.Errorf("%w: duplicate ingester name %q", ErrInvalidConfig, ing.Name)
			}
			seenNames[ing.Name] = true
			ingesters = append(ingesters, ing)
		}
	}
	return &Config{Ingesters: ingesters}, nil
}

// rawConfig/rawIngester/rawField mirror the YAML document shape.
// rawConfig's keys are ingester-family tags rather than a fixed field
// name, since the document has no single "ingesters:" list. params and
// default_params accept either a list or a mapping, which
// model.ParamList cannot decode directly without knowing the node kind,
// so these intermediate types carry a yaml.Node and convert by hand.
type rawConfig map[string][]rawIngester

type rawIngester struct {
	Name            string     `yaml:"name"`
	ResourceType    string     `yaml:"resource_type"`
	Interval        string     `yaml:"interval"`
	IngesterType    string     `yaml:"ingester_type"`
	DefaultTarget   string     `yaml:"default_target"`
	DefaultSelector string     `yaml:"default_selector"`
	DefaultParams   yaml.Node  `yaml:"default_params"`
	DefaultHandler  string     `yaml:"default_handler"`
	DefaultType     string     `yaml:"default_type"`
	Fields          []rawField `yaml:"fields"`
}

type rawField struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Target       string            `yaml:"target"`
	Selector     string            `yaml:"selector"`
	Params       yaml.Node         `yaml:"params"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	Handler      string            `yaml:"handler"`
	Reducer      string            `yaml:"reducer"`
	Transformers []string          `yaml:"transformers"`
	Transient    bool              `yaml:"transient"`
	Probability  float64           `yaml:"probability"`
}

func (r rawIngester) toModel() (model.Ingester, error) {
	ingType := model.IngesterType(r.IngesterType)
	if !model.ValidIngesterTypes[ingType] {
		return model.Ingester{}, fmt.Errorf("unknown ingester_type %q", r.IngesterType)
	}
	resType := model.ResourceType(r.ResourceType)
	if r.ResourceType == "" {
		resType = model.ResourceSeries
	}
	defaultParams, err := decodeParams(r.DefaultParams)
	if err != nil {
		return model.Ingester{}, fmt.Errorf("default_params: %w", err)
	}

	fields := make([]model.Field, 0, len(r.Fields))
	for i, rf := range r.Fields {
		f, err := rf.toModel()
		if err != nil {
			return model.Ingester{}, fmt.Errorf("fields[%d]: %w", i, err)
		}
		fields = append(fields, f)
	}

	ing := model.Ingester{
		Name:            r.Name,
		ResourceType:    resType,
		Interval:        r.Interval,
		IngesterType:    ingType,
		DefaultTarget:   r.DefaultTarget,
		DefaultSelector: r.DefaultSelector,
		DefaultParams:   defaultParams,
		DefaultHandler:  r.DefaultHandler,
		DefaultType:     model.FieldType(r.DefaultType),
		Fields:          fields,
	}
	kept, dropped := ing.DedupeFields()
	if len(dropped) > 0 {
		ing.Fields = kept
	}
	return ing, nil
}

func (r rawField) toModel() (model.Field, error) {
	fieldType := model.FieldType(r.Type)
	if r.Type != "" && !model.ValidFieldTypes[fieldType] {
		return model.Field{}, fmt.Errorf("unknown field type %q", r.Type)
	}
	if r.Name == "" {
		return model.Field{}, fmt.Errorf("name is required")
	}
	params, err := decodeParams(r.Params)
	if err != nil {
		return model.Field{}, fmt.Errorf("params: %w", err)
	}
	return model.Field{
		Name:         r.Name,
		Type:         fieldType,
		Target:       r.Target,
		Selector:     r.Selector,
		Params:       params,
		Method:       r.Method,
		Headers:      r.Headers,
		Handler:      r.Handler,
		Reducer:      r.Reducer,
		Transformers: r.Transformers,
		Transient:    r.Transient,
		Probability:  r.Probability,
	}, nil
}

// decodeParams converts a YAML node that is either a sequence (the
// config's positional-args form) or a mapping (the named-args form)
// into a model.ParamList. An empty/zero node yields an empty ParamList.
func decodeParams(node yaml.Node) (model.ParamList, error) {
	switch node.Kind {
	case 0:
		return model.ParamList{}, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return model.ParamList{}, fmt.Errorf("decode param list: %w", err)
		}
		return model.ParamList{List: list}, nil
	case yaml.MappingNode:
		m := make(map[string]string)
		if err := node.Decode(&m); err != nil {
			return model.ParamList{}, fmt.Errorf("decode param map: %w", err)
		}
		return model.ParamList{Map: m}, nil
	default:
		return model.ParamList{}, fmt.Errorf("params must be a list or a mapping")
	}
}
