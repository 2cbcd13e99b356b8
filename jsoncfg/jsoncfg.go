// Package jsoncfg loads and saves JSON configuration files.
package jsoncfg

import (
	"encoding/json"
	"fmt"
	"os"
)

// Open loads the JSON file at path into v. Unknown fields are rejected so
// typos don't silently configure nothing.
func Open(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	if err = d.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Save writes v as indented JSON to the file at path.
func Save(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	e := json.NewEncoder(f)
	e.SetIndent("", "    ")
	if err = e.Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
