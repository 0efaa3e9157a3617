package script

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the admission schema for raw workflow definition
// documents, checked before structural validation so malformed uploads are
// rejected with a schema error rather than a decode panic.
const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["topics"],
	"properties": {
		"topics": {
			"type": "object",
			"additionalProperties": {"type": "object"}
		},
		"producers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["schedule", "publishes"],
				"properties": {
					"schedule": {
						"type": "object",
						"properties": {
							"interval": {"type": "integer", "minimum": 1},
							"cron": {"type": "string", "minLength": 1}
						}
					},
					"publishes": {
						"type": "array",
						"items": {"type": "string"},
						"minItems": 1
					}
				}
			}
		},
		"consumers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["subscribe"],
				"properties": {
					"subscribe": {
						"type": "array",
						"items": {"type": "string"},
						"minItems": 1
					},
					"publishes": {
						"type": "array",
						"items": {"type": "string"}
					}
				}
			}
		}
	}
}`

// ParseDocument validates a raw JSON workflow definition document against
// the admission schema and decodes it, preserving topic declaration order.
// Handler callbacks are not part of the document; bind them afterwards with
// Definition.Bind.
func ParseDocument(raw []byte) (*Definition, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate definition document: %w", err)
	}

	if !result.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("definition document rejected: %s", result.Errors()[0].String())}
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition document: %w", err)
	}

	order, err := topicDeclarationOrder(raw)
	if err != nil {
		return nil, err
	}

	def.TopicOrder = order

	return &def, nil
}

// topicDeclarationOrder re-scans the document with a token decoder, since
// encoding/json maps drop key order.
func topicDeclarationOrder(raw []byte) ([]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))

	// Walk to the "topics" key at the top level.
	if _, err := decoder.Token(); err != nil { // opening brace
		return nil, fmt.Errorf("failed to scan definition document: %w", err)
	}

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition document: %w", err)
		}

		key, _ := keyToken.(string)
		if key != "topics" {
			if err := skipValue(decoder); err != nil {
				return nil, err
			}

			continue
		}

		return scanTopicKeys(decoder)
	}

	return nil, nil
}

func scanTopicKeys(decoder *json.Decoder) ([]string, error) {
	if _, err := decoder.Token(); err != nil { // opening brace of topics
		return nil, fmt.Errorf("failed to scan topics: %w", err)
	}

	var names []string

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to scan topics: %w", err)
		}

		if name, ok := keyToken.(string); ok {
			names = append(names, name)
		}

		if err := skipValue(decoder); err != nil {
			return nil, err
		}
	}

	return names, nil
}

func skipValue(decoder *json.Decoder) error {
	depth := 0

	for {
		token, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("failed to scan definition document: %w", err)
		}

		switch token {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}

		if depth == 0 {
			return nil
		}
	}
}
