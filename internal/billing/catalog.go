package billing

import (
	_ "embed"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlansYAML []byte

// Unlimited is the feature limit value meaning "no limit".
const Unlimited = -1

// Plan is a purchasable tier and the provider price that sells it.
type Plan struct {
	Tier          string          `json:"tier"`
	Name          string          `json:"name"`
	PriceID       string          `json:"price_id"`
	MonthlyPrice  decimal.Decimal `json:"monthly_price"`
	Currency      string          `json:"currency"`
	FeatureLimits map[string]int  `json:"limits"`
}

// Limit returns the plan's limit for a feature, or 0 when the plan does not
// grant it.
func (p Plan) Limit(feature string) int {
	return p.FeatureLimits[feature]
}

// Catalog is the immutable set of plans, indexed by price ID and by tier.
type Catalog struct {
	plans   []Plan
	byPrice map[string]Plan
	byTier  map[string]Plan
}

type planFile struct {
	Plans []struct {
		Tier         string         `yaml:"tier"`
		Name         string         `yaml:"name"`
		PriceID      string         `yaml:"price_id"`
		MonthlyPrice string         `yaml:"monthly_price"`
		Currency     string         `yaml:"currency"`
		Limits       map[string]int `yaml:"limits"`
	} `yaml:"plans"`
}

// DefaultCatalog returns the built-in plans.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultPlansYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plan catalog")
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates YAML catalog data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse plan catalog")
	}
	if len(f.Plans) == 0 {
		return nil, errors.New("plan catalog is empty")
	}

	plans := make([]Plan, 0, len(f.Plans))
	for i, p := range f.Plans {
		if p.Tier == "" || p.PriceID == "" || p.Name == "" {
			return nil, errors.Newf("plan %d: tier, name and price_id are required", i)
		}
		price, err := decimal.NewFromString(p.MonthlyPrice)
		if err != nil {
			return nil, errors.Wrapf(err, "plan %s: monthly_price", p.Tier)
		}
		if price.IsNegative() {
			return nil, errors.Newf("plan %s: negative monthly_price", p.Tier)
		}
		for feature, limit := range p.Limits {
			if limit < Unlimited {
				return nil, errors.Newf("plan %s: invalid limit %d for %s", p.Tier, limit, feature)
			}
		}
		plans = append(plans, Plan{
			Tier:          p.Tier,
			Name:          p.Name,
			PriceID:       p.PriceID,
			MonthlyPrice:  price,
			Currency:      strings.ToLower(lo.Ternary(p.Currency == "", "eur", p.Currency)),
			FeatureLimits: lo.Assign(p.Limits),
		})
	}
	return NewCatalog(plans)
}

// NewCatalog builds a catalog from plans, rejecting duplicate tiers or price IDs.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   plans,
		byPrice: make(map[string]Plan, len(plans)),
		byTier:  make(map[string]Plan, len(plans)),
	}
	for _, p := range plans {
		if _, dup := c.byPrice[p.PriceID]; dup {
			return nil, errors.Newf("duplicate price id %q", p.PriceID)
		}
		if _, dup := c.byTier[p.Tier]; dup {
			return nil, errors.Newf("duplicate tier %q", p.Tier)
		}
		c.byPrice[p.PriceID] = p
		c.byTier[p.Tier] = p
	}
	return c, nil
}

// ResolvePlan returns the plan sold by priceID. Matching is exact.
func (c *Catalog) ResolvePlan(priceID string) (Plan, error) {
	p, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, errors.Mark(errors.Newf("no plan for price %q", priceID), ErrPlanNotFound)
	}
	return p, nil
}

// PlanForTier returns the plan with the given tier name.
func (c *Catalog) PlanForTier(tier string) (Plan, error) {
	p, ok := c.byTier[tier]
	if !ok {
		return Plan{}, errors.Mark(errors.Newf("no plan for tier %q", tier), ErrPlanNotFound)
	}
	return p, nil
}

// Plans returns the plans in catalog order.
func (c *Catalog) Plans() []Plan {
	return append([]Plan(nil), c.plans...)
}

// Tiers returns the tier names in catalog order.
func (c *Catalog) Tiers() []string {
	return lo.Map(c.plans, func(p Plan, _ int) string { return p.Tier })
}
