package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacyKeyMove relocates a top-level key from older config files.
type legacyKeyMove struct {
	from string
	to   []string
	// convert rewrites the scalar value; nil keeps it.
	convert func(value string) (string, bool)
}

var legacyKeyMoves = []legacyKeyMove{
	{from: "token-file", to: []string{"token-store", "path"}},
	{from: "pkce", to: []string{"pkce-method"}},
	{from: "use-keyring", to: []string{"token-store", "key-source"}, convert: func(value string) (string, bool) {
		if strings.EqualFold(strings.TrimSpace(value), "true") {
			return KeySourceKeyring, true
		}
		return "", false
	}},
}

// MigrateLegacyKeys rewrites keys from older malauth releases in place.
// Comments and ordering of untouched keys survive. Returns true when the
// file was rewritten. A key that already exists at its new location wins
// over the legacy one, which is then just removed.
func MigrateLegacyKeys(configFile string) (bool, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return false, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return false, nil
	}
	rootMap := root.Content[0]
	if rootMap == nil || rootMap.Kind != yaml.MappingNode {
		return false, nil
	}

	changed := false
	for _, move := range legacyKeyMoves {
		idx := findMapKeyIndex(rootMap, move.from)
		if idx < 0 || idx+1 >= len(rootMap.Content) {
			continue
		}
		value := rootMap.Content[idx+1]
		removeMapKeyByIndex(rootMap, idx)
		changed = true

		if value == nil || value.Kind != yaml.ScalarNode {
			continue
		}
		newValue := value.Value
		tag := value.Tag
		if move.convert != nil {
			converted, keep := move.convert(newValue)
			if !keep {
				continue
			}
			newValue, tag = converted, "!!str"
		}
		parent := ensureMapPath(rootMap, move.to[:len(move.to)-1])
		leaf := move.to[len(move.to)-1]
		if findMapKeyIndex(parent, leaf) >= 0 {
			continue
		}
		parent.Content = append(parent.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: leaf},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: newValue, Style: value.Style},
		)
	}
	if !changed {
		return false, nil
	}
	return writeYAMLNode(configFile, &root)
}

// findMapKeyIndex returns the content index of key in a mapping node, or -1.
func findMapKeyIndex(mapNode *yaml.Node, key string) int {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if k := mapNode.Content[i]; k != nil && k.Value == key {
			return i
		}
	}
	return -1
}

// ensureMapPath walks or creates nested mappings below mapNode.
func ensureMapPath(mapNode *yaml.Node, path []string) *yaml.Node {
	current := mapNode
	for _, key := range path {
		idx := findMapKeyIndex(current, key)
		if idx >= 0 && current.Content[idx+1] != nil && current.Content[idx+1].Kind == yaml.MappingNode {
			current = current.Content[idx+1]
			continue
		}
		child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if idx >= 0 {
			current.Content[idx+1] = child
		} else {
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				child,
			)
		}
		current = child
	}
	return current
}

// removeMapKeyByIndex removes a key-value pair from a mapping node by index
func removeMapKeyByIndex(mapNode *yaml.Node, keyIdx int) {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode {
		return
	}
	if keyIdx < 0 || keyIdx+1 >= len(mapNode.Content) {
		return
	}
	mapNode.Content = append(mapNode.Content[:keyIdx], mapNode.Content[keyIdx+2:]...)
}

// writeYAMLNode writes the YAML node tree back to file
func writeYAMLNode(configFile string, root *yaml.Node) (bool, error) {
	f, err := os.Create(configFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return false, err
	}
	if err := enc.Close(); err != nil {
		return false, err
	}
	return true, nil
}
