// Package transform implements spec.md §4.5's transform engine: atomic
// transformers (a fixed table of named value functions) and expression
// transformers (internal/transform/expr), run in order over a Field's
// current value, the whole chain under one 2-second hard deadline.
package transform

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrUnknownTransformer is returned for a transformer name outside the
// atomic table that also isn't a template (doesn't contain "{").
var ErrUnknownTransformer = errors.New("transform: unknown transformer")

// AtomicFunc is a single named value transformation.
type AtomicFunc func(v any) (any, error)

// atomicTable is the closed set of built-in atomic transformers named in
// spec.md §4.5.
var atomicTable = map[string]AtomicFunc{
	"lower":      stringFunc(strings.ToLower),
	"upper":      stringFunc(strings.ToUpper),
	"title":      stringFunc(strings.Title), //nolint:staticcheck // matches the spec's simple per-word title case
	"capitalize": capitalize,

	"int":   toInt,
	"float": toFloat,
	"str":   toStr,
	"bool":  toBool,

	"to_json":             toJSON,
	"to_snake":            toSnake,
	"to_kebab":            toKebab,
	"to_camel":            toCamel,
	"to_pascal":           toPascal,
	"slugify":             slugify,
	"shorten_address":     shortenAddress,
	"remove_punctuation":  removePunctuation,
	"reverse":             reverse,
	"sha256digest":        digestFunc(func(b []byte) []byte { s := sha256.Sum256(b); return s[:] }),
	"md5digest":           digestFunc(func(b []byte) []byte { s := md5.Sum(b); return s[:] }),
	"bin":                 toBase(2),
	"hex":                 toBase(16),
	"round":               roundTo(0),
	"round2":              roundTo(2),
	"round4":              roundTo(4),
	"round6":              roundTo(6),
	"round8":              roundTo(8),
	"round10":             roundTo(10),
}

// Atomic returns the named atomic transformer, or ErrUnknownTransformer.
func Atomic(name string) (AtomicFunc, error) {
	fn, ok := atomicTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransformer, name)
	}
	return fn, nil
}

func stringFunc(f func(string) string) AtomicFunc {
	return func(v any) (any, error) {
		s, err := toStringValue(v)
		if err != nil {
			return nil, err
		}
		return f(s), nil
	}
}

func capitalize(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return s, nil
	}
	r := []rune(s)
	return string(unicode.ToUpper(r[0])) + strings.ToLower(string(r[1:])), nil
}

func toInt(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("transform: int: %w", err)
		}
		return int64(f), nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("transform: int: unsupported type %T", v)
	}
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("transform: float: %w", err)
		}
		return f, nil
	case bool:
		if t {
			return 1.0, nil
		}
		return 0.0, nil
	default:
		return nil, fmt.Errorf("transform: float: unsupported type %T", v)
	}
}

func toStr(v any) (any, error) {
	return toStringValue(v)
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("transform: bool: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("transform: bool: unsupported type %T", v)
	}
}

func toJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transform: to_json: %w", err)
	}
	return string(b), nil
}

func toSnake(v any) (any, error) { return caseConvert(v, "_") }
func toKebab(v any) (any, error) { return caseConvert(v, "-") }

func caseConvert(v any, sep string) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	words := splitWords(s)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, sep), nil
}

func toCamel(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	words := splitWords(s)
	for i, w := range words {
		if i == 0 {
			words[i] = strings.ToLower(w)
			continue
		}
		words[i] = capitalizeWord(w)
	}
	return strings.Join(words, ""), nil
}

func toPascal(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	words := splitWords(s)
	for i, w := range words {
		words[i] = capitalizeWord(w)
	}
	return strings.Join(words, ""), nil
}

func capitalizeWord(w string) string {
	if w == "" {
		return w
	}
	r := []rune(strings.ToLower(w))
	return string(unicode.ToUpper(r[0])) + string(r[1:])
}

func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func slugify(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-"), nil
}

func shortenAddress(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	if len(s) <= 10 {
		return s, nil
	}
	return s[:6] + "..." + s[len(s)-4:], nil
}

func removePunctuation(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsPunct(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

func reverse(v any) (any, error) {
	s, err := toStringValue(v)
	if err != nil {
		return nil, err
	}
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

func digestFunc(sum func([]byte) []byte) AtomicFunc {
	return func(v any) (any, error) {
		s, err := toStringValue(v)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(sum([]byte(s))), nil
	}
}

func toBase(base int) AtomicFunc {
	return func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return strconv.FormatInt(int64(f.(float64)), base), nil
	}
}

func roundTo(places int) AtomicFunc {
	return func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		mult := pow10(places)
		n := f.(float64)
		return roundHalfAwayFromZero(n*mult) / mult, nil
	}
}

func pow10(n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}

func roundHalfAwayFromZero(f float64) float64 {
	if f >= 0 {
		return float64(int64(f + 0.5))
	}
	return float64(int64(f - 0.5))
}

func toStringValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case float64, int64, bool:
		return fmt.Sprintf("%v", t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("transform: cannot stringify %T", v)
	}
}
