package config

import (
	"fmt"
	"net/url"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Paths are section.key, named after the json tags: "cache.windowSize".

// GetByPath returns the value of one config key.
func GetByPath(cfg *Config, path string) (any, error) {
	f, err := field(cfg, path)
	if err != nil {
		return nil, err
	}
	return f.Interface(), nil
}

// SetByPath parses value according to the key's type and stores it.
func SetByPath(cfg *Config, path, value string) error {
	f, err := field(cfg, path)
	if err != nil {
		return err
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", path, value)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", path, value)
		}
		f.SetInt(n)
	case reflect.Float64:
		x, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number, got %q", path, value)
		}
		f.SetFloat(x)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, f.Kind())
	}
	return nil
}

// ListPaths returns every key with its current value, including keys that
// are empty and omitted from the file.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	root := reflect.ValueOf(cfg).Elem()
	for i := range root.NumField() {
		section := root.Field(i)
		prefix := tagName(root.Type().Field(i))
		for j := range section.NumField() {
			out[prefix+"."+tagName(section.Type().Field(j))] = section.Field(j).Interface()
		}
	}
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func field(cfg *Config, path string) (reflect.Value, error) {
	sectionName, key, ok := strings.Cut(path, ".")
	if !ok || key == "" {
		return reflect.Value{}, fmt.Errorf("invalid path %q (want section.key)", path)
	}
	section, ok := child(reflect.ValueOf(cfg).Elem(), sectionName)
	if !ok {
		return reflect.Value{}, fmt.Errorf("unknown section: %s", sectionName)
	}
	f, ok := child(section, key)
	if !ok {
		return reflect.Value{}, fmt.Errorf("key not found: %s", path)
	}
	return f, nil
}

func child(v reflect.Value, name string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	for i := range v.NumField() {
		if tagName(v.Type().Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// Sanitize returns a copy of the config with the token and any endpoint
// password masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	if c.Server.Token != "" {
		c.Server.Token = maskString(c.Server.Token)
	}
	c.Server.Endpoint = maskUserinfo(c.Server.Endpoint)
	return &c
}

func maskUserinfo(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "redacted")
	}
	return u.String()
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
