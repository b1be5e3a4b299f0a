package tier

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/xraph/credit/types"
)

// document is the YAML layout of a catalog:
//
//	tiers:
//	  - tier: 1
//	    name: Free
//	    monthly_allotment: 100
//	features:
//	  - name: bulk_generation
//	    min_tier: 3
//	    cost: 1
//	    multipliers: {3: 9000, 4: 8000}
type document struct {
	Tiers []struct {
		Tier             Tier              `yaml:"tier"`
		Name             string            `yaml:"name"`
		MonthlyAllotment creditValue       `yaml:"monthly_allotment"`
		Limits           map[LimitKind]int `yaml:"limits"`
	} `yaml:"tiers"`
	Features []struct {
		Name        Feature        `yaml:"name"`
		MinTier     Tier           `yaml:"min_tier"`
		Cost        *creditValue   `yaml:"cost"`
		Multipliers map[Tier]int64 `yaml:"multipliers"`
	} `yaml:"features"`
}

// creditValue decodes a YAML scalar such as 0.5 or "1.25" exactly,
// without a float round trip.
type creditValue types.Credits

func (v *creditValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a credit amount", node.Line)
	}
	c, err := types.ParseCredits(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = creditValue(c)
	return nil
}

// LoadYAML builds a catalog from a YAML document.
func LoadYAML(r io.Reader) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("tier: decode catalog: %w", err)
	}

	defs := make([]Definition, 0, len(doc.Tiers))
	for _, t := range doc.Tiers {
		defs = append(defs, Definition{
			Tier:             t.Tier,
			Name:             t.Name,
			MonthlyAllotment: types.Credits(t.MonthlyAllotment),
			Limits:           t.Limits,
		})
	}

	availability := make(map[Feature]Tier, len(doc.Features))
	costs := make(map[Feature]Cost)
	for _, f := range doc.Features {
		if _, dup := availability[f.Name]; dup {
			return nil, fmt.Errorf("tier: decode catalog: feature %q listed twice", f.Name)
		}
		availability[f.Name] = f.MinTier
		if f.Cost != nil {
			costs[f.Name] = Cost{Base: types.Credits(*f.Cost), Multipliers: f.Multipliers}
		}
	}

	return New(defs, costs, availability)
}
