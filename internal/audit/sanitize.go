package audit

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// RedactionMarker replaces the middle of a redacted identifier.
const RedactionMarker = "***"

// deniedKeys are matched against the normalized key (lowercase, separators removed).
var deniedKeys = map[string]struct{}{
	"name": {}, "patientname": {}, "firstname": {}, "lastname": {}, "fullname": {},
	"dateofbirth": {}, "dob": {}, "birthdate": {},
	"address": {}, "street": {}, "city": {}, "zipcode": {}, "postcode": {},
	"phone": {}, "mobile": {}, "telephone": {},
	"email": {}, "mail": {},
	"ssn": {}, "socialsecurity": {}, "insurancenumber": {},
	"diagnosis": {}, "treatment": {}, "medication": {},
	"healthdata": {}, "medicalrecord": {}, "symptoms": {},
	"password": {}, "token": {}, "secret": {}, "key": {}, "apikey": {},
}

var deniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)name`),
	regexp.MustCompile(`(?i)birth`),
	regexp.MustCompile(`(?i)address`),
	regexp.MustCompile(`(?i)phone`),
	regexp.MustCompile(`(?i)e?mail`),
	regexp.MustCompile(`(?i)diagnos`),
	regexp.MustCompile(`(?i)treatment`),
	regexp.MustCompile(`(?i)medication`),
	regexp.MustCompile(`(?i)symptom`),
	regexp.MustCompile(`(?i)health.*data`),
	regexp.MustCompile(`(?i)medical.*record`),
	regexp.MustCompile(`(?i)insurance.*number`),
	regexp.MustCompile(`(?i)ssn`),
	regexp.MustCompile(`(?i)passw`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)credential`),
}

// identifierKeys hold opaque identifiers that are kept in redacted form.
var identifierKeys = map[string]struct{}{
	"patientid": {},
	"sessionid": {},
	"userid":    {},
	"cardid":    {},
}

func normalizeKey(k string) string {
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(strings.ToLower(k))
}

// IsDenied reports whether a metadata key may never be written.
func IsDenied(key string) bool {
	n := normalizeKey(key)
	if _, ok := deniedKeys[n]; ok {
		return true
	}
	for _, p := range deniedPatterns {
		if p.MatchString(n) {
			return true
		}
	}
	return false
}

func isIdentifier(key string) bool {
	_, ok := identifierKeys[normalizeKey(key)]
	return ok
}

// Redact keeps the first two and last two characters of an identifier.
// Identifiers of four characters or fewer are replaced entirely, since
// keeping two plus two would reveal them in full.
func Redact(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return RedactionMarker
	}
	return string(r[:2]) + RedactionMarker + string(r[len(r)-2:])
}

// Sanitize returns a copy of meta with denied keys dropped and identifier
// values redacted. Nested maps, slices and structs are sanitized the same
// way, whatever their concrete type.
func Sanitize(meta Metadata) Metadata {
	out := make(Metadata, len(meta))
	for k, v := range meta {
		if IsDenied(k) {
			continue
		}
		if isIdentifier(k) {
			out[k] = Redact(fmt.Sprint(v))
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, time.Duration:
		return v
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return RedactionMarker
		}
		return sanitizeValue(decoded)
	case Metadata:
		return Sanitize(t)
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	}
	return sanitizeReflect(reflect.ValueOf(v))
}

var (
	jsonMarshaler = reflect.TypeFor[json.Marshaler]()
	textMarshaler = reflect.TypeFor[encoding.TextMarshaler]()
)

// sanitizeReflect walks any other container: maps with string keys become
// Metadata, slices and arrays become []any, and plain structs are read field
// by field under their JSON names. Values that marshal themselves are kept.
func sanitizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if marshals(rv.Type()) {
			return rv.Interface()
		}
		return sanitizeReflect(rv.Elem())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprintf("%d entries", rv.Len())
		}
		m := make(Metadata, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return Sanitize(m)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = sanitizeReflect(rv.Index(i))
		}
		return out
	case reflect.Struct:
		if marshals(rv.Type()) {
			return rv.Interface()
		}
		m := make(Metadata, rv.NumField())
		for i := range rv.NumField() {
			f := rv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
				continue
			} else if tag != "" {
				name = tag
			}
			m[name] = rv.Field(i).Interface()
		}
		return Sanitize(m)
	default:
		return rv.Interface()
	}
}

func marshals(t reflect.Type) bool {
	return t.Implements(jsonMarshaler) || t.Implements(textMarshaler)
}
