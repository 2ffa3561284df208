package risk

import "github.com/fyrsmithlabs/vitalwatch/internal/config"

// DefaultCategories are scored when no categories are configured.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:            "cardiovascular",
			MediumThreshold: 0.4,
			HighThreshold:   0.7,
			Factors: []Factor{
				{Metric: "resting_heart_rate", Weight: 0.3, Min: 50, Max: 100},
				{Metric: "blood_pressure_systolic", Weight: 0.3, Min: 100, Max: 180},
				{Metric: "heart_rate_variability", Weight: 0.2, Min: 20, Max: 100, Inverse: true},
				{Metric: "steps", Weight: 0.2, Min: 2000, Max: 12000, Inverse: true, Source: SourceWindowMean},
			},
		},
		{
			Name:            "mental_health",
			MediumThreshold: 0.45,
			HighThreshold:   0.75,
			Factors: []Factor{
				{Metric: "sleep_duration", Weight: 0.35, Min: 4, Max: 9, Inverse: true, Source: SourceWindowMean},
				{Metric: "mood_score", Weight: 0.35, Min: 1, Max: 10, Inverse: true},
				{Metric: "heart_rate_variability", Weight: 0.15, Min: 20, Max: 100, Inverse: true},
				{Metric: "active_minutes", Weight: 0.15, Min: 0, Max: 60, Inverse: true, Source: SourceWindowMean},
			},
		},
	}
}

// FromConfig builds categories from configuration, falling back to
// DefaultCategories when none are configured.
func FromConfig(cfg config.RiskConfig) ([]Category, error) {
	if len(cfg.Categories) == 0 {
		return DefaultCategories(), nil
	}

	out := make([]Category, 0, len(cfg.Categories))
	for _, cc := range cfg.Categories {
		c := Category{
			Name:            cc.Name,
			MediumThreshold: cc.MediumThreshold,
			HighThreshold:   cc.HighThreshold,
		}
		for _, fc := range cc.Factors {
			c.Factors = append(c.Factors, Factor{
				Metric:  fc.Metric,
				Weight:  fc.Weight,
				Min:     fc.Min,
				Max:     fc.Max,
				Inverse: fc.Inverse,
				Source:  ValueSource(fc.Source),
			})
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
