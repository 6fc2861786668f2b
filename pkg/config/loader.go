// Package config loads gateway configuration from struct tag defaults, an
// optional YAML or JSON file, and environment variables. Values resolve
// in this order, later sources winning:
//
//	envDefault struct tags
//	YAML/JSON config file
//	Environment variables
//
// # Struct Tags
//
//   - `env:"VAR_NAME"` maps the field to an environment variable. On a
//     nested struct the tag becomes a prefix for the struct's fields.
//   - `envDefault:"value"` is applied when the field is still zero.
//   - `required:"true"` fails validation if the field is zero after loading.
//
// File loading uses the `yaml` and `json` tags of the respective decoders.
//
// # Usage
//
//	type RateConfig struct {
//	    MaxHits int           `env:"MAX_HITS" envDefault:"100" yaml:"maxHits"`
//	    Window  time.Duration `env:"WINDOW" envDefault:"1m" yaml:"window"`
//	}
//
//	cfg := config.MustLoad[RateConfig](
//	    config.New().WithEnvPrefix("GATEWAY").WithFile("gateway.yaml"),
//	)
package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// time.Duration has Kind Int64 and must be told apart from plain integers.
var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable. It has the signature of
// [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Loader resolves configuration into a struct. A Loader is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    LookupFunc
}

// New returns a Loader that reads the process environment with no prefix
// and no file.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends prefix and an underscore to every env tag. The
// prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a .yaml, .yml or .json file to load between defaults and
// the environment. A missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces the environment source. Tests use it to load from
// a map without touching the process environment.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// MapLookup returns a LookupFunc backed by m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Load fills cfg, which must be a non-nil pointer to a struct, then
// validates it. Required-field failures carry
// [sserr.CodeValidationRequired]; [Validator] failures carry
// [sserr.CodeValidation] unless they are already structured errors.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := l.applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Intended for process startup.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

func isNestedStruct(sf reflect.StructField) bool {
	return sf.Type.Kind() == reflect.Struct && sf.Type != durationType
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNestedStruct(sf) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

func (l *Loader) applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := sf.Tag.Get("env")
		if isNestedStruct(sf) {
			if err := l.applyEnv(field, joinEnv(prefix, envTag)); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		envKey := joinEnv(prefix, envTag)
		val, ok := l.lookup(envKey)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, envKey)
		}
	}
	return nil
}

// setField parses value into field. Types implementing
// encoding.TextUnmarshaler parse themselves. Otherwise supported kinds
// are string and named string types, bool, signed and unsigned integers,
// floats, time.Duration and string slices (comma separated, trimmed,
// empty entries dropped).
func setField(field reflect.Value, value string) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(value))
		}
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
