package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned for a dot-notation key naming no setting.
var ErrUnknownKey = errors.New("unknown configuration key")

// Get returns the value of a setting addressed by its YAML path, such as
// "burst.frequency_hz". Sections are returned as maps; optional settings
// that are unset return nil.
func (c *NPUConfig) Get(key string) (any, error) {
	root, err := c.node()
	if err != nil {
		return nil, err
	}
	n, ok := lookup(root, key)
	if !ok {
		// Unset optional settings are omitted from the encoding.
		if err := patch(Default(), key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "~"}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return v, nil
}

// Set parses value as YAML into the setting at key. c is left unchanged
// when the key is unknown or the value does not fit the setting's type.
func (c *NPUConfig) Set(key, value string) error {
	updated := *c
	if err := patch(&updated, key, &yaml.Node{Kind: yaml.ScalarNode, Value: value}); err != nil {
		return err
	}
	*c = updated
	return nil
}

// Keys lists the dot-notation keys of every setting present in c.
func (c *NPUConfig) Keys() ([]string, error) {
	root, err := c.node()
	if err != nil {
		return nil, err
	}
	var keys []string
	var walk func(prefix string, n *yaml.Node)
	walk = func(prefix string, n *yaml.Node) {
		if n.Kind != yaml.MappingNode {
			keys = append(keys, prefix)
			return
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			if prefix != "" {
				k = prefix + "." + k
			}
			walk(k, n.Content[i+1])
		}
	}
	walk("", root)
	return keys, nil
}

func (c *NPUConfig) node() (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return &n, nil
}

func lookup(n *yaml.Node, key string) (*yaml.Node, bool) {
	for _, part := range strings.Split(key, ".") {
		if n.Kind != yaml.MappingNode {
			return nil, false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == part {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, false
		}
		n = next
	}
	return n, true
}

// patch decodes a one-setting document {key: value} over c, rejecting
// keys that name no field.
func patch(c *NPUConfig, key string, value *yaml.Node) error {
	if key == "" {
		return fmt.Errorf("%q: %w", key, ErrUnknownKey)
	}
	parts := strings.Split(key, ".")
	doc := value
	for i := len(parts) - 1; i >= 0; i-- {
		doc = &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: parts[i]},
			doc,
		}}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%q: %w", key, ErrUnknownKey)
		}
		return fmt.Errorf("setting %s to %q: %w", key, value.Value, err)
	}
	return nil
}
