package plans

import (
	"fmt"
	"slices"
)

// Config selects the plan source.
type Config struct {
	// File is a YAML plan file; the built-in tiers are used when empty.
	File string `env:"PLANS_FILE"`
	// PriceIDs attaches provider price ids to tiers, e.g.
	// PLANS_PRICE_IDS="starter=price_1Abc,growth=price_2Def".
	PriceIDs map[string]string `env:"PLANS_PRICE_IDS" envKeyValSeparator:"="`
}

// Load builds the catalog described by cfg.
func Load(cfg Config) (*Catalog, error) {
	defs := Defaults()
	if cfg.File != "" {
		var err error
		if defs, err = LoadFile(cfg.File); err != nil {
			return nil, err
		}
	}

	for code, id := range cfg.PriceIDs {
		i := slices.IndexFunc(defs, func(p Plan) bool { return string(p.Code) == code })
		if i < 0 {
			return nil, fmt.Errorf("%w: price id for unknown tier %q", ErrInvalidCatalog, code)
		}
		if id != "" {
			defs[i].PriceIDs = append(defs[i].PriceIDs, id)
		}
	}

	return New(defs)
}
