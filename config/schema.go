// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schema string

// ErrInvalidDocument is returned for configuration files not matching the
// configuration schema
var ErrInvalidDocument = errors.New("invalid configuration document")

var schemaLoader = gojsonschema.NewStringLoader(schema)

// validateSchema checks the structure of a YAML or JSON configuration
// document. Backend arguments are free form and checked later.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, ", "))
	}
	return nil
}
