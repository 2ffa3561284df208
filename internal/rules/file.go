package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
)

const maxSeedFileSize = 1024 * 1024

// seedFile is the on-disk layout of a rule seed file:
//
//	rules:
//	  - id: hr-high
//	    user_id: user-1
//	    metric: heart_rate
//	    condition: above
//	    threshold: 100
//	    duration: 10m
//	    priority: high
//	    notification_methods: [push, email]
type seedFile struct {
	Rules []Definition `yaml:"rules"`
}

// Definition is the textual form of a rule used by seed files and the admin
// API. Priority defaults to medium and Active to true.
type Definition struct {
	ID                  string   `yaml:"id" json:"id,omitempty"`
	UserID              string   `yaml:"user_id" json:"user_id"`
	Metric              string   `yaml:"metric" json:"metric"`
	Condition           string   `yaml:"condition" json:"condition"`
	Threshold           *float64 `yaml:"threshold" json:"threshold,omitempty"`
	Duration            string   `yaml:"duration" json:"duration,omitempty"`
	Priority            string   `yaml:"priority" json:"priority,omitempty"`
	NotificationMethods []string `yaml:"notification_methods" json:"notification_methods,omitempty"`
	Active              *bool    `yaml:"active" json:"active,omitempty"`
}

// LoadFile reads and validates a seed file.
func LoadFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rule file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSeedFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	if len(data) > maxSeedFileSize {
		return nil, fmt.Errorf("rule file too large (max %d bytes)", maxSeedFileSize)
	}
	return Parse(data)
}

// Parse decodes seed YAML. Unknown keys are rejected.
func Parse(data []byte) ([]Rule, error) {
	var doc seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for i, sr := range doc.Rules {
		r, err := sr.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, sr.ID, err)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, sr.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ToRule parses the textual fields. The result is not validated.
func (sr Definition) ToRule() (Rule, error) {
	r := Rule{
		ID:        sr.ID,
		UserID:    sr.UserID,
		Metric:    sr.Metric,
		Threshold: sr.Threshold,
		Active:    sr.Active == nil || *sr.Active,

		activeOmitted: sr.Active == nil,
	}

	cond, err := ParseCondition(sr.Condition)
	if err != nil {
		return Rule{}, invalid("condition", err.Error())
	}
	r.Condition = cond

	prio := alert.PriorityMedium
	if sr.Priority != "" {
		if prio, err = alert.ParsePriority(sr.Priority); err != nil {
			return Rule{}, invalid("priority", err.Error())
		}
	}
	r.Priority = prio

	if sr.Duration != "" {
		var d config.Duration
		if err := d.UnmarshalText([]byte(sr.Duration)); err != nil {
			return Rule{}, invalid("duration", err.Error())
		}
		r.Duration = d
	}

	for _, m := range sr.NotificationMethods {
		ch, err := alert.ParseChannel(m)
		if err != nil {
			return Rule{}, invalid("notification_methods", err.Error())
		}
		r.NotificationMethods = append(r.NotificationMethods, ch)
	}
	return r, nil
}
