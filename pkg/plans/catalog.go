package plans

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Catalog is an immutable price-id to plan lookup. It is built once at
// startup; changing plans is a deploy-time operation.
type Catalog struct {
	plans   []Plan // sorted by rank
	byCode  map[Tier]int
	byPrice map[string]int
}

// New validates plans and builds a catalog.
func New(plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("no plans defined"))
	}

	sorted := make([]Plan, 0, len(plans))
	for _, p := range plans {
		sorted = append(sorted, p.clone())
	}
	slices.SortStableFunc(sorted, func(a, b Plan) int { return cmp.Compare(a.Rank, b.Rank) })

	c := &Catalog{
		plans:   sorted,
		byCode:  make(map[Tier]int, len(sorted)),
		byPrice: make(map[string]int),
	}

	var errs []error
	for i, p := range sorted {
		if p.Code == "" {
			errs = append(errs, fmt.Errorf("plan at rank %d has no code", p.Rank))
			continue
		}
		if _, dup := c.byCode[p.Code]; dup {
			errs = append(errs, fmt.Errorf("duplicate plan code %q", p.Code))
		}
		c.byCode[p.Code] = i

		if i > 0 && sorted[i-1].Rank == p.Rank {
			errs = append(errs, fmt.Errorf("plans %q and %q share rank %d", sorted[i-1].Code, p.Code, p.Rank))
		}
		if p.MonthlyPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("plan %q has a negative price", p.Code))
		}
		for m, limit := range p.Limits {
			if limit < Unlimited {
				errs = append(errs, fmt.Errorf("plan %q: invalid limit %d for %s", p.Code, limit, m))
			}
		}
		for m, limit := range p.DailyCaps {
			if limit < Unlimited {
				errs = append(errs, fmt.Errorf("plan %q: invalid daily cap %d for %s", p.Code, limit, m))
			}
			if _, ok := p.Limits[m]; !ok {
				errs = append(errs, fmt.Errorf("plan %q: daily cap for unmetered %s", p.Code, m))
			}
		}
		for _, id := range p.PriceIDs {
			if prev, dup := c.byPrice[id]; dup {
				errs = append(errs, fmt.Errorf("price id %q maps to both %q and %q", id, sorted[prev].Code, p.Code))
				continue
			}
			c.byPrice[id] = i
		}
	}
	if !sorted[0].IsFree() {
		errs = append(errs, fmt.Errorf("lowest tier %q must be free", sorted[0].Code))
	}
	for _, p := range sorted[1:] {
		if p.IsFree() {
			errs = append(errs, fmt.Errorf("plan %q is free but not the lowest tier", p.Code))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.Join(errs...))
	}

	for i := range c.plans[:len(c.plans)-1] {
		if c.plans[i].Upgrade == "" {
			next := c.plans[i+1]
			c.plans[i].Upgrade = fmt.Sprintf("Upgrade to %s (%s) to continue", next.Name, next.PriceLabel())
		}
	}

	return c, nil
}

// MustNew is like New but panics on an invalid catalog.
func MustNew(plans []Plan) *Catalog {
	c, err := New(plans)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve maps a provider price id to its plan. Unknown ids resolve to the
// lowest tier with known=false; callers must log and count the fallback,
// since it can under-provision a paying customer.
func (c *Catalog) Resolve(priceID string) (plan Plan, known bool) {
	if i, ok := c.byPrice[priceID]; ok {
		return c.plans[i].clone(), true
	}
	return c.Lowest(), false
}

// Tier returns the plan with the given code.
func (c *Catalog) Tier(code Tier) (Plan, error) {
	i, ok := c.byCode[code]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, code)
	}
	return c.plans[i].clone(), nil
}

// Lowest returns the lowest-ranked plan, the fail-safe default.
func (c *Catalog) Lowest() Plan {
	return c.plans[0].clone()
}

// Plans returns every plan ordered by rank.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.clone())
	}
	return out
}

// Next returns the plan ranked directly above code, if any.
func (c *Catalog) Next(code Tier) (Plan, bool) {
	i, ok := c.byCode[code]
	if !ok || i+1 >= len(c.plans) {
		return Plan{}, false
	}
	return c.plans[i+1].clone(), true
}

// PriceID returns the first price id configured for code.
func (c *Catalog) PriceID(code Tier) (string, error) {
	p, err := c.Tier(code)
	if err != nil {
		return "", err
	}
	if len(p.PriceIDs) == 0 {
		return "", fmt.Errorf("%w: no price id configured for %q", ErrPlanNotFound, code)
	}
	return p.PriceIDs[0], nil
}
