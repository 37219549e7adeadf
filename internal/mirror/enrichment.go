package mirror

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/casa-home/casahub-go/internal/hub"
)

// Enrichment is the presentation-level overlay applied to every snapshot:
// a friendly-name override table and a cross-reference from certain
// entities to their companion control entity. Both are display-facing only
// and never alter the remote identity of an entity.
type Enrichment struct {
	// FriendlyNames maps entity id to a display name override.
	FriendlyNames map[string]string `yaml:"friendly_names"`
	// RelatedControls maps an entity id to the id of its companion control
	// (e.g. a cover to its favorite-position button), denormalized so UI
	// consumers never re-scan the full list to find it.
	RelatedControls map[string]string `yaml:"related_controls"`
}

// LoadEnrichment reads the overlay tables from a YAML file. A missing path
// yields an empty overlay, not an error.
func LoadEnrichment(path string) (*Enrichment, error) {
	if path == "" {
		return &Enrichment{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Enrichment{}, nil
		}
		return nil, fmt.Errorf("failed to read enrichment file: %w", err)
	}
	var e Enrichment
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse enrichment file: %w", err)
	}
	return &e, nil
}

// Apply returns an enriched copy of the entity. The input is never mutated:
// attribute maps are copied before any override lands, so consumers holding
// an older snapshot see no drift.
func (e *Enrichment) Apply(in hub.Entity) hub.Entity {
	out := in

	if name, ok := e.FriendlyNames[in.EntityID]; ok {
		attrs := make(map[string]any, len(in.Attributes)+1)
		for k, v := range in.Attributes {
			attrs[k] = v
		}
		attrs["friendly_name"] = name
		out.Attributes = attrs
	}

	if related, ok := e.RelatedControls[in.EntityID]; ok {
		out.RelatedControlID = related
	}

	return out
}
