package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveSchemas replaces the schemas section of the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveSchemas(configPath string, rules []SchemaConfig) error {
	// Read existing file content
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Build the new schemas node
	schemasNode, err := buildSchemasNode(rules)
	if err != nil {
		return fmt.Errorf("building schemas node: %w", err)
	}

	// Update or create the schemas section
	if doc.Kind == 0 {
		// Empty or new file - create document structure
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "schemas"},
						schemasNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			// Find and replace the schemas key, or append it
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "schemas" {
					root.Content[i+1] = schemasNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "schemas"},
					schemasNode,
				)
			}
		}
	}

	// Marshal back to YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".stored.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// AddSchema appends a rule to the schemas section and saves the config.
func AddSchema(configPath string, rule SchemaConfig, existing []SchemaConfig) error {
	rules := append(existing, rule)
	return SaveSchemas(configPath, rules)
}

// RemoveSchema deletes the rule at the given index and saves.
func RemoveSchema(configPath string, index int, existing []SchemaConfig) error {
	if index < 0 || index >= len(existing) {
		return fmt.Errorf("schema index %d out of range (have %d schemas)", index, len(existing))
	}

	// Create new slice without the deleted rule
	updated := make([]SchemaConfig, 0, len(existing)-1)
	for i, rule := range existing {
		if i != index {
			updated = append(updated, rule)
		}
	}

	return SaveSchemas(configPath, updated)
}

// buildSchemasNode creates a yaml.Node representing the schemas array.
func buildSchemasNode(rules []SchemaConfig) (*yaml.Node, error) {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(rules)),
	}

	for i, rule := range rules {
		ruleNode := &yaml.Node{
			Kind:    yaml.MappingNode,
			Content: make([]*yaml.Node, 0),
		}

		if rule.Key != "" {
			ruleNode.Content = append(ruleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "key"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: rule.Key},
			)
		}

		if rule.Pattern != "" {
			ruleNode.Content = append(ruleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "pattern"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: rule.Pattern},
			)
		}

		if rule.Default != nil {
			// Encode handles scalars, maps and sequences alike
			defNode := &yaml.Node{}
			if err := defNode.Encode(rule.Default); err != nil {
				return nil, fmt.Errorf("schema %d (%s): encoding default: %w", i, rule.Name(), err)
			}
			ruleNode.Content = append(ruleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "default"},
				defNode,
			)
		}

		if rule.Assert != "" {
			ruleNode.Content = append(ruleNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "assert"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: rule.Assert},
			)
		}

		node.Content = append(node.Content, ruleNode)
	}

	return node, nil
}
