// Package config loads YAML configuration files and overlays environment
// variables declared with `env:"NAME"` struct tags.
//
// Before reading the file, Load consults dotenv files: ENV_FILE when set,
// otherwise .env.local followed by .env. Variables already present in the
// process environment are never overwritten by a dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load reads path as YAML into a new T and applies env overrides.
// A missing file is not an error when allowMissing is set; the returned
// value then holds only what the environment supplies.
func Load[T any](path string, allowMissing bool) (*T, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	var cfg T
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case allowMissing && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	ApplyEnv(&cfg)
	return &cfg, nil
}

// LoadWithDefaults is Load followed by setDefaults. Env overrides are
// applied again afterwards so the environment always wins.
func LoadWithDefaults[T any](path string, allowMissing bool, setDefaults func(*T)) (*T, error) {
	cfg, err := Load[T](path, allowMissing)
	if err != nil {
		return nil, err
	}
	if setDefaults != nil {
		setDefaults(cfg)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyEnv walks the struct pointed to by cfg and assigns every field that
// carries an `env` tag whose variable is set and non-empty.
func ApplyEnv(cfg any) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		switch {
		case field.Kind() == reflect.Struct:
			applyEnvToStruct(field)
			continue
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			applyEnvToStruct(field.Elem())
			continue
		}

		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		if val := os.Getenv(name); val != "" {
			setFromString(field, val)
		}
	}
}

// setFromString silently ignores values that do not parse for the field's kind.
func setFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			field.SetUint(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			field.SetFloat(f)
		}
	case reflect.Bool:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes":
			field.SetBool(true)
		default:
			field.SetBool(false)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	}
}
