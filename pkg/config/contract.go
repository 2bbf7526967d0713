package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Contract is the schema contract: the closed registry of queryable sources,
// their columns, and the allow-lists the validator and compiler enforce.
// Loaded once at startup and immutable afterwards.
type Contract struct {
	Database            string                    `json:"database"`
	Schemas             map[string]ContractSchema `json:"schemas"`
	AllowedAggregations []string                  `json:"allowed_aggregations"`
	AllowedOperators    []string                  `json:"allowed_operators"`
	AllowedGrains       []string                  `json:"allowed_grains"`
	Security            ContractSecurity          `json:"security"`
	ActivityNamespace   ActivityNamespace         `json:"activity_namespace"`
	ValidationRules     map[string]any            `json:"validation_rules,omitempty"`

	// sources is the flattened, upper-cased source index built at load time.
	sources map[string]*Source
	hash    string
}

// ContractSchema groups the tables and views of one warehouse schema.
type ContractSchema struct {
	Tables map[string]ContractObject `json:"tables,omitempty"`
	Views  map[string]ContractObject `json:"views,omitempty"`
}

// ContractObject describes a single queryable object.
type ContractObject struct {
	Columns         map[string]string `json:"columns"`
	Description     string            `json:"description,omitempty"`
	RequiredColumns []string          `json:"required_columns,omitempty"`
}

// ContractSecurity carries the policy limits.
type ContractSecurity struct {
	MaxRowsPerQuery int `json:"max_rows_per_query"`
}

// ActivityNamespace describes the event action namespace conventions.
type ActivityNamespace struct {
	Prefix             string   `json:"prefix"`
	StandardActivities []string `json:"standard_activities"`
}

// Source is one entry of the flattened source registry.
type Source struct {
	Name    string
	Schema  string
	IsView  bool
	Columns map[string]string // upper-cased column name → declared type
}

// HasColumn reports whether the source declares the (upper-cased) column.
func (s *Source) HasColumn(col string) bool {
	_, ok := s.Columns[strings.ToUpper(col)]
	return ok
}

// TimeColumn returns the designated time column a grain applies to.
// Convention: HOUR if present, else TS, else "".
func (s *Source) TimeColumn() string {
	if s.HasColumn("HOUR") {
		return "HOUR"
	}
	if s.HasColumn("TS") {
		return "TS"
	}
	return ""
}

// LoadContract reads and indexes a schema contract file.
func LoadContract(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract file: %w", err)
	}
	return ParseContract(data)
}

// ParseContract parses contract JSON, normalizes the allow-lists, and builds
// the source index and content hash.
func ParseContract(data []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid contract JSON: %w", err)
	}
	if len(c.Schemas) == 0 {
		return nil, fmt.Errorf("contract declares no schemas")
	}
	if c.Security.MaxRowsPerQuery <= 0 {
		c.Security.MaxRowsPerQuery = 10000
	}

	// Normalize aggregations to symbolic form regardless of how the file
	// spells them (COUNT vs "COUNT(*)").
	seen := map[string]bool{}
	normalized := make([]string, 0, len(c.AllowedAggregations))
	for _, agg := range c.AllowedAggregations {
		n := models.NormalizeAggregation(agg)
		if !seen[n] {
			seen[n] = true
			normalized = append(normalized, n)
		}
	}
	c.AllowedAggregations = normalized

	for i, op := range c.AllowedOperators {
		c.AllowedOperators[i] = strings.ToUpper(strings.TrimSpace(op))
	}
	for i, g := range c.AllowedGrains {
		c.AllowedGrains[i] = strings.ToUpper(strings.TrimSpace(g))
	}

	c.buildSourceIndex()
	c.hash = contentHash(&c)
	return &c, nil
}

func (c *Contract) buildSourceIndex() {
	c.sources = map[string]*Source{}
	for schemaName, schema := range c.Schemas {
		add := func(objects map[string]ContractObject, isView bool) {
			for name, obj := range objects {
				cols := make(map[string]string, len(obj.Columns))
				for col, typ := range obj.Columns {
					cols[strings.ToUpper(col)] = typ
				}
				src := &Source{
					Name:    strings.ToUpper(name),
					Schema:  strings.ToUpper(schemaName),
					IsView:  isView,
					Columns: cols,
				}
				c.sources[src.Name] = src
			}
		}
		add(schema.Tables, false)
		add(schema.Views, true)
	}
}

// SourceByName returns the source registry entry, or nil when unknown.
func (c *Contract) SourceByName(name string) *Source {
	return c.sources[strings.ToUpper(strings.TrimSpace(name))]
}

// SourceNames returns all registered source names, sorted.
func (c *Contract) SourceNames() []string {
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowsAggregation reports whether fn (symbolic form) is permitted.
func (c *Contract) AllowsAggregation(fn string) bool {
	n := models.NormalizeAggregation(fn)
	for _, a := range c.AllowedAggregations {
		if a == n {
			return true
		}
	}
	return false
}

// AllowsOperator reports whether the filter operator is permitted.
func (c *Contract) AllowsOperator(op string) bool {
	u := strings.ToUpper(strings.TrimSpace(op))
	for _, o := range c.AllowedOperators {
		if o == u {
			return true
		}
	}
	return false
}

// AllowsGrain reports whether the time grain is permitted.
func (c *Contract) AllowsGrain(grain string) bool {
	u := strings.ToUpper(strings.TrimSpace(grain))
	for _, g := range c.AllowedGrains {
		if g == u {
			return true
		}
	}
	return false
}

// Hash returns the contract content hash: the first 16 hex characters of
// SHA-256 over the canonical (marshaled) JSON. Served at /meta/schema.hash
// and stamped into every request's query tag.
func (c *Contract) Hash() string {
	return c.hash
}

func contentHash(c *Contract) string {
	// json.Marshal sorts map keys, which is canonical enough for a stable
	// hash of the loaded contract.
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
