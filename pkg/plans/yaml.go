package plans

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type fileCatalog struct {
	Plans []filePlan `yaml:"plans"`
}

type filePlan struct {
	Code         string           `yaml:"code"`
	Name         string           `yaml:"name"`
	Rank         int              `yaml:"rank"`
	MonthlyPrice string           `yaml:"monthly_price"`
	Limits       map[string]int64 `yaml:"limits"`
	DailyCaps    map[string]int64 `yaml:"daily_caps"`
	Entitlements []string         `yaml:"entitlements"`
	PriceIDs     []string         `yaml:"price_ids"`
	UpgradeHint  string           `yaml:"upgrade_hint"`
}

// LoadFile reads a YAML plan file. The result still has to pass New.
//
//	plans:
//	  - code: trial
//	    name: Trial
//	    rank: 0
//	    monthly_price: "0"
//	    limits: {leads: 50, emails: 100}
//	    daily_caps: {emails: 30}
//	  - code: starter
//	    ...
func LoadFile(path string) ([]Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrReadCatalog, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes plan definitions from r.
func Parse(r io.Reader) ([]Plan, error) {
	var doc fileCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	out := make([]Plan, 0, len(doc.Plans))
	for _, fp := range doc.Plans {
		p, err := fp.toPlan()
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (fp filePlan) toPlan() (Plan, error) {
	price := decimal.Zero
	if fp.MonthlyPrice != "" {
		var err error
		price, err = decimal.NewFromString(fp.MonthlyPrice)
		if err != nil {
			return Plan{}, fmt.Errorf("plan %q: price %q: %w", fp.Code, fp.MonthlyPrice, err)
		}
	}

	limits, err := metricMap(fp.Code, fp.Limits)
	if err != nil {
		return Plan{}, err
	}
	caps, err := metricMap(fp.Code, fp.DailyCaps)
	if err != nil {
		return Plan{}, err
	}

	ents := make([]Entitlement, 0, len(fp.Entitlements))
	for _, e := range fp.Entitlements {
		switch ent := Entitlement(e); ent {
		case EntitlementPhoneNumber, EntitlementCustomDomain:
			ents = append(ents, ent)
		default:
			return Plan{}, fmt.Errorf("plan %q: unknown entitlement %q", fp.Code, e)
		}
	}

	return Plan{
		Code:         Tier(fp.Code),
		Name:         fp.Name,
		Rank:         fp.Rank,
		MonthlyPrice: price,
		Limits:       limits,
		DailyCaps:    caps,
		Entitlements: ents,
		PriceIDs:     fp.PriceIDs,
		Upgrade:      fp.UpgradeHint,
	}, nil
}

func metricMap(code string, in map[string]int64) (map[Metric]int64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[Metric]int64, len(in))
	for name, v := range in {
		m := Metric(name)
		if !slices.Contains(Metrics, m) {
			return nil, fmt.Errorf("plan %q: unknown metric %q", code, name)
		}
		out[m] = v
	}
	return out, nil
}
