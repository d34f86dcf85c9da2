/*
Package factory converts rules documents into rewards.Rules.

PURPOSE:
  The business literals (points per reason, tier thresholds, bonus tables,
  rate limits) are configuration. A YAML document overrides any subset of
  rewards.DefaultRules(); whatever it leaves out keeps the default. JSON is
  accepted too, being a subset of YAML.

SCHEMA:
  points:
    session_completed: 120
  tiers:
    gold:
      min_sessions: 150
      min_rating: 4.7
      min_retention: 85
      rate_increase_percent: 10
      benefits: ["Featured placement"]
  retention_milestones:          # replaces the whole table
    - {months: 3, amount: 25}
  session_milestones:
    - {sessions: 25, amount: 25}
  review_bonus:   {min_rating: 5, amount: 5}
  referral_bonus: {min_sessions: 5, amount: 50}
  rates:
    custom_min_percent: -10
    custom_max_percent: 10
    custom_cooldown: 30d         # Go duration or <n>d
    max_base_rate_factor: 3
    max_base_rate: 500
    benchmark_medians: {gold: 40}
    min_benchmark_sample: 5

  Money and percentages are parsed as decimals from the literal text, so
  4.7 is exactly 4.7. Unknown keys are rejected.

SEE ALSO:
  - rewards/rules.go: Rules and Validate
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

type RulesDoc struct {
	Points              map[string]int64   `yaml:"points"`
	Tiers               map[string]TierDoc `yaml:"tiers"`
	RetentionMilestones []MilestoneDoc     `yaml:"retention_milestones"`
	SessionMilestones   []MilestoneDoc     `yaml:"session_milestones"`
	ReviewBonus         *ReviewBonusDoc    `yaml:"review_bonus"`
	ReferralBonus       *ReferralBonusDoc  `yaml:"referral_bonus"`
	Rates               *RatesDoc          `yaml:"rates"`
}

type TierDoc struct {
	MinSessions         *int         `yaml:"min_sessions"`
	MinRating           *DecimalText `yaml:"min_rating"`
	MinRetention        *DecimalText `yaml:"min_retention"`
	RateIncreasePercent *DecimalText `yaml:"rate_increase_percent"`
	Benefits            []string     `yaml:"benefits"`
}

// MilestoneDoc is one table row. Months is used by retention tables and
// Sessions by session tables.
type MilestoneDoc struct {
	Months   int         `yaml:"months"`
	Sessions int         `yaml:"sessions"`
	Amount   DecimalText `yaml:"amount"`
}

type ReviewBonusDoc struct {
	MinRating *DecimalText `yaml:"min_rating"`
	Amount    *DecimalText `yaml:"amount"`
}

type ReferralBonusDoc struct {
	MinSessions *int         `yaml:"min_sessions"`
	Amount      *DecimalText `yaml:"amount"`
}

type RatesDoc struct {
	CustomMinPercent   *DecimalText           `yaml:"custom_min_percent"`
	CustomMaxPercent   *DecimalText           `yaml:"custom_max_percent"`
	CustomCooldown     *Duration              `yaml:"custom_cooldown"`
	MaxBaseRateFactor  *DecimalText           `yaml:"max_base_rate_factor"`
	MaxBaseRate        *DecimalText           `yaml:"max_base_rate"`
	BenchmarkMedians   map[string]DecimalText `yaml:"benchmark_medians"`
	MinBenchmarkSample *int                   `yaml:"min_benchmark_sample"`
}

// DecimalText decodes a YAML scalar into a decimal from its literal text.
type DecimalText struct {
	decimal.Decimal
}

func (d *DecimalText) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %q is not a decimal", node.Line, node.Value)
	}
	d.Decimal = v
	return nil
}

// Duration accepts Go duration syntax plus a whole-day form such as "30d".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = v
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRules overlays the document onto rewards.DefaultRules() and
// validates the result. An empty document yields the defaults.
func ParseRules(data []byte) (rewards.Rules, error) {
	var doc RulesDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return rewards.Rules{}, &generic.ValidationError{Field: "rules", Reason: err.Error()}
	}
	rules, err := doc.Apply(rewards.DefaultRules())
	if err != nil {
		return rewards.Rules{}, err
	}
	if err := rules.Validate(); err != nil {
		return rewards.Rules{}, err
	}
	return rules, nil
}

// LoadRulesFile reads and parses a rules file.
func LoadRulesFile(path string) (rewards.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rewards.Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return rewards.Rules{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}

// Apply overlays the document onto base. Maps are copied, never shared
// with base.
func (doc RulesDoc) Apply(base rewards.Rules) (rewards.Rules, error) {
	out := base

	out.PointsPerReason = make(map[rewards.PointsReason]int64, len(base.PointsPerReason))
	for k, v := range base.PointsPerReason {
		out.PointsPerReason[k] = v
	}
	for name, pts := range doc.Points {
		reason := rewards.PointsReason(name)
		if !reason.Valid() {
			return rewards.Rules{}, generic.Invalid("points", "unknown reason %q", name)
		}
		out.PointsPerReason[reason] = pts
	}

	out.Tiers = make(map[rewards.Tier]rewards.TierRule, len(base.Tiers))
	for k, v := range base.Tiers {
		out.Tiers[k] = v
	}
	for name, td := range doc.Tiers {
		tier, err := rewards.ParseTier(name)
		if err != nil {
			return rewards.Rules{}, err
		}
		rule := out.Tiers[tier]
		if td.MinSessions != nil {
			rule.MinSessions = *td.MinSessions
		}
		if td.MinRating != nil {
			rule.MinRating = td.MinRating.Decimal
		}
		if td.MinRetention != nil {
			rule.MinRetention = td.MinRetention.Decimal
		}
		if td.RateIncreasePercent != nil {
			rule.RateIncreasePercent = td.RateIncreasePercent.Decimal
		}
		if td.Benefits != nil {
			rule.Benefits = append([]string(nil), td.Benefits...)
		}
		out.Tiers[tier] = rule
	}

	if doc.RetentionMilestones != nil {
		out.RetentionMilestones = milestones(doc.RetentionMilestones, func(m MilestoneDoc) int { return m.Months })
	}
	if doc.SessionMilestones != nil {
		out.SessionMilestones = milestones(doc.SessionMilestones, func(m MilestoneDoc) int { return m.Sessions })
	}

	if rb := doc.ReviewBonus; rb != nil {
		if rb.MinRating != nil {
			out.ReviewBonus.MinRating = rb.MinRating.Decimal
		}
		if rb.Amount != nil {
			out.ReviewBonus.Amount = rb.Amount.Decimal
		}
	}
	if rb := doc.ReferralBonus; rb != nil {
		if rb.MinSessions != nil {
			out.ReferralBonus.MinSessions = *rb.MinSessions
		}
		if rb.Amount != nil {
			out.ReferralBonus.Amount = rb.Amount.Decimal
		}
	}

	out.Rates.BenchmarkMedians = make(map[rewards.Tier]decimal.Decimal, len(base.Rates.BenchmarkMedians))
	for k, v := range base.Rates.BenchmarkMedians {
		out.Rates.BenchmarkMedians[k] = v
	}
	if r := doc.Rates; r != nil {
		if r.CustomMinPercent != nil {
			out.Rates.MinCustomPercent = r.CustomMinPercent.Decimal
		}
		if r.CustomMaxPercent != nil {
			out.Rates.MaxCustomPercent = r.CustomMaxPercent.Decimal
		}
		if r.CustomCooldown != nil {
			out.Rates.CustomCooldown = r.CustomCooldown.Duration
		}
		if r.MaxBaseRateFactor != nil {
			out.Rates.MaxBaseRateFactor = r.MaxBaseRateFactor.Decimal
		}
		if r.MaxBaseRate != nil {
			out.Rates.MaxBaseRate = r.MaxBaseRate.Decimal
		}
		if r.MinBenchmarkSample != nil {
			out.Rates.MinBenchmarkSample = *r.MinBenchmarkSample
		}
		for name, v := range r.BenchmarkMedians {
			tier, err := rewards.ParseTier(name)
			if err != nil {
				return rewards.Rules{}, err
			}
			out.Rates.BenchmarkMedians[tier] = v.Decimal
		}
	}
	return out, nil
}

func milestones(rows []MilestoneDoc, threshold func(MilestoneDoc) int) []rewards.Milestone {
	out := make([]rewards.Milestone, 0, len(rows))
	for _, r := range rows {
		out = append(out, rewards.Milestone{Threshold: threshold(r), Amount: r.Amount.Decimal})
	}
	return out
}
