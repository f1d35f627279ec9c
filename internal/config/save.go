package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveComputerName persists the computer name chosen on first boot.
// Preserves comments and formatting in other sections by using yaml.Node.
func SaveComputerName(configPath, name string) error {
	return saveValue(configPath, []string{"computer_name"},
		&yaml.Node{Kind: yaml.ScalarNode, Value: name})
}

// SaveWebhookSecret persists the generated Telegram webhook secret.
func SaveWebhookSecret(configPath, secret string) error {
	return saveValue(configPath, []string{"adapters", "telegram", "webhook_secret"},
		&yaml.Node{Kind: yaml.ScalarNode, Value: secret})
}

// SavePeers replaces the peer list in the config file.
func SavePeers(configPath string, peers []PeerEntry) error {
	return saveValue(configPath, []string{"peer", "peers"}, buildPeersNode(peers))
}

// saveValue updates one (possibly nested) key in the config file, creating
// intermediate mappings as needed, and writes the result atomically.
func saveValue(configPath string, path []string, value *yaml.Node) error {
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

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	setMappingPath(doc.Content[0], path, value)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// setMappingPath walks nested mappings along path, creating missing levels,
// and sets the final key to value.
func setMappingPath(root *yaml.Node, path []string, value *yaml.Node) {
	node := root
	for depth, key := range path {
		last := depth == len(path)-1

		var found *yaml.Node
		for i := 0; i < len(node.Content)-1; i += 2 {
			if node.Content[i].Value == key {
				if last {
					node.Content[i+1] = value
					return
				}
				found = node.Content[i+1]
				break
			}
		}
		if found == nil {
			var child *yaml.Node
			if last {
				child = value
			} else {
				child = &yaml.Node{Kind: yaml.MappingNode}
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				child,
			)
			if last {
				return
			}
			found = child
		}
		if found.Kind != yaml.MappingNode {
			// An existing scalar in the middle of the path is replaced.
			found.Kind = yaml.MappingNode
			found.Value = ""
			found.Tag = ""
			found.Content = nil
		}
		node = found
	}
}

// buildPeersNode creates a yaml.Node representing the peers array.
func buildPeersNode(peers []PeerEntry) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(peers)),
	}
	for _, peer := range peers {
		node.Content = append(node.Content, &yaml.Node{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "name"},
				{Kind: yaml.ScalarNode, Value: peer.Name},
				{Kind: yaml.ScalarNode, Value: "address"},
				{Kind: yaml.ScalarNode, Value: peer.Address},
			},
		})
	}
	return node
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".teleclaude.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
