package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
)

// applyEnvOverrides walks the struct and overrides fields from PREFIX_FIELD
// environment variables, nesting with underscores (RELAY_HTTP_ADDR,
// RELAY_TELEGRAM_TOKEN). Slices are not overridable from the environment.
func applyEnvOverrides(prefix string, target any) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("override target must be a struct pointer")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}
		key := prefix + "_" + strings.ToUpper(typ.Field(i).Name)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(key, field); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		if _, err := fmt.Sscanf(envValue, "%d", &n); err != nil {
			return fmt.Errorf("invalid integer %q", envValue)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		var f float64
		if _, err := fmt.Sscanf(envValue, "%f", &f); err != nil {
			return fmt.Errorf("invalid float %q", envValue)
		}
		field.SetFloat(f)
	case reflect.Bool:
		v := strings.ToLower(envValue)
		field.SetBool(v == "true" || v == "1")
	case reflect.Slice, reflect.Map:
		// File-only fields.
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
