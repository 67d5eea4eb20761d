package repo

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DependencyPatch describes a change to the dependencies of a project file.
type DependencyPatch struct {
	// Group is the extras group to edit; empty edits the main dependencies
	Group string

	// Add inserts or replaces dependencies, matched by normalized name
	Add []Dependency

	// Remove deletes dependencies by name
	Remove []string
}

// Empty reports whether the patch changes nothing.
func (p DependencyPatch) Empty() bool {
	return len(p.Add) == 0 && len(p.Remove) == 0
}

// Apply edits the document node of a project file in place. Comments and
// key order of untouched entries are preserved.
func (p DependencyPatch) Apply(doc *yaml.Node) error {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			root.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("project file must be a mapping, got line %d", root.Line)
	}

	list := mappingValue(root, "dependencies", p.Group == "")
	if p.Group != "" {
		extras := mappingValue(root, "extras", true)
		if extras.Kind != yaml.MappingNode {
			extras.Kind, extras.Tag = yaml.MappingNode, "!!map"
		}
		list = mappingValue(extras, p.Group, true)
	}
	if list.Kind != yaml.SequenceNode {
		// Fresh keys start as an empty scalar.
		list.Kind, list.Tag, list.Value = yaml.SequenceNode, "!!seq", ""
	}

	remove := make(map[string]bool, len(p.Remove))
	for _, name := range p.Remove {
		remove[normalizeName(name)] = true
	}
	kept := list.Content[:0]
	for _, item := range list.Content {
		if !remove[normalizeName(entryName(item))] {
			kept = append(kept, item)
		}
	}
	list.Content = kept

	for _, dep := range p.Add {
		node, err := dependencyNode(dep)
		if err != nil {
			return err
		}
		replaced := false
		for i, item := range list.Content {
			if normalizeName(entryName(item)) == normalizeName(dep.Name) {
				list.Content[i] = node
				replaced = true
				break
			}
		}
		if !replaced {
			list.Content = append(list.Content, node)
		}
	}
	return nil
}

// mappingValue returns the value node of key in m, creating an empty one
// when create is set.
func mappingValue(m *yaml.Node, key string, create bool) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	if !create {
		return nil
	}
	value := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
	return value
}

// entryName returns the dependency name of a list item.
func entryName(item *yaml.Node) string {
	switch item.Kind {
	case yaml.ScalarNode:
		return item.Value
	case yaml.MappingNode:
		if len(item.Content) > 0 {
			return item.Content[0].Value
		}
	}
	return ""
}

// dependencyNode renders dep in its shortest form.
func dependencyNode(dep Dependency) (*yaml.Node, error) {
	if (dep.Version == "" || dep.Version == "*") && !dep.hasOptions() {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: dep.Name}, nil
	}

	var body yaml.Node
	if err := body.Encode(dep); err != nil {
		return nil, fmt.Errorf("failed to encode dependency %s: %w", dep.Name, err)
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: dep.Name},
			&body,
		},
	}, nil
}

// PatchFile applies patch to the project file at path.
func PatchFile(path string, patch DependencyPatch) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read project file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if err := patch.Apply(&doc); err != nil {
		return fmt.Errorf("failed to patch %s: %w", path, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
