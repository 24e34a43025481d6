package main

import "reflect"

// replaceEnvKeys walks data recursively, replacing any string field whose
// value is "$" followed by at least two characters with the named
// environment variable (via getenv),
// so a Config loaded from YAML can defer secrets like linkSecret to the
// environment. Grounded in cmd/dex/config_env_replacer.go.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)

	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()
	if !s.CanSet() {
		return nil
	}

	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 2 && value[0] == '$' {
			s.SetString(getenv(value[1:]))
		}
		return nil
	}

	if s.Kind() == reflect.Interface {
		if s.IsNil() {
			return nil
		}
		return replaceEnvKeys(s.Elem().Interface(), getenv)
	}

	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i++ {
			if err := replaceEnvKeys(s.Field(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i++ {
			if err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	return nil
}
