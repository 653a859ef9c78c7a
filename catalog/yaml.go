package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// schemaFile is the on-disk YAML shape of a catalog definition.
type schemaFile struct {
	Models    []*Model    `yaml:"models"`
	Relations []*Relation `yaml:"relations"`
}

// FromYAML builds a catalog from a YAML definition.
//
// Example:
//
//	models:
//	  - name: User
//	    fields:
//	      - {name: id, generated: true}
//	      - {name: email}
//	    primary_key: [id]
//	    uniques: [[email]]
//	relations:
//	  - name: UserPosts
//	    model_a: User
//	    field_a: posts
//	    model_b: Post
//	    field_b: author
//	    cardinality: one_to_many
//	    required_b: true
//	    linkage: foreign_key_b
func FromYAML(data []byte) (*Catalog, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parsing schema: %w", err)
	}
	return New(f.Models, f.Relations)
}

// FromYAMLFile builds a catalog from a YAML schema file on disk.
func FromYAMLFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading schema %s: %w", path, err)
	}
	return FromYAML(data)
}
