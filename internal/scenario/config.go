package scenario

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger type constants
const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
	TriggerMetric   = "metric"
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger is a tagged union: exactly the fields for its Type are set.
type Trigger struct {
	Type string `json:"type"`

	// event
	EventNames []string `json:"event_names,omitempty"`

	// schedule: either a cron expression or a last-days-of-month window
	Cron            string `json:"cron,omitempty"`
	LastDaysOfMonth int    `json:"last_days_of_month,omitempty"`

	// metric
	MetricSource    string  `json:"metric_source,omitempty"`
	MetricThreshold float64 `json:"metric_threshold,omitempty"`
}

// Rule operators
const (
	OpGTE   = "gte"
	OpLTE   = "lte"
	OpEQ    = "eq"
	OpNEQ   = "neq"
	OpIn    = "in"
	OpNotIn = "not_in"
)

// Rule is one condition comparing a runtime fact against a literal.
type Rule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Step is one message within a drip sequence. Order is array order in
// Config.Steps; DelayHours is relative to the previous step (step 0 is
// relative to the trigger).
type Step struct {
	ID          string `json:"id"`
	DelayHours  int    `json:"delay_hours"`
	TemplateKey string `json:"template_key"`
	OfferKey    string `json:"offer_key,omitempty"`
}

// Offer type constants
const (
	OfferBonusPercent    = "bonus_percent"
	OfferDiscountPercent = "discount_percent"
	OfferExtraDays       = "extra_days"
	OfferFreeTrial       = "free_trial"
)

// OfferDef is the definition an offer instance is minted from.
type OfferDef struct {
	Type        string  `json:"type"`
	Scope       string  `json:"scope,omitempty"`
	Value       float64 `json:"value"`
	TTLHours    int     `json:"ttl_hours"`
	AutoApply   bool    `json:"auto_apply,omitempty"`
	ClaimButton string  `json:"claim_button,omitempty"`
}

// Button is a rendered-message action.
type Button struct {
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
	Callback string `json:"callback,omitempty"`
}

// Template is a localized message body with optional buttons. Both maps are
// keyed by locale; the renderer falls back to the default locale when the
// user's is missing.
type Template struct {
	Text    map[string]string   `json:"text"`
	Buttons map[string][]Button `json:"buttons,omitempty"`
}

// Throttle caps how often a user may receive a scenario's messages. The
// global pair bounds promotional sends across all scenarios.
type Throttle struct {
	PerUserPerScenarioHours int `json:"per_user_per_scenario_hours,omitempty"`
	PerUserPerScenarioCount int `json:"per_user_per_scenario_count,omitempty"`
	GlobalPromosPerWindow   int `json:"global_promos_per_window,omitempty"`
	GlobalWindowDays        int `json:"global_window_days,omitempty"`
	PerStepCap              int `json:"per_step_cap,omitempty"`
}

// QuietHours is a daily local-time sending window: start inclusive, end
// exclusive. start > end wraps midnight.
type QuietHours struct {
	Enabled         bool   `json:"enabled"`
	TimezoneDefault string `json:"timezone_default"`
	AllowedStart    int    `json:"allowed_start_hour"`
	AllowedEnd      int    `json:"allowed_end_hour"`
}

// Variant is one experiment bucket.
type Variant struct {
	ID           string  `json:"id"`
	SplitPercent float64 `json:"split_percent"`
}

// Experiment assigns users to weighted variants.
type Experiment struct {
	Enabled  bool      `json:"enabled"`
	Variants []Variant `json:"variants"`
}

// Attribution is reporting metadata only; the engine does not enforce it.
type Attribution struct {
	ConversionWindowHours int    `json:"conversion_window_hours"`
	SuccessEvent          string `json:"success_event"`
	Model                 string `json:"model,omitempty"`
}

// Config is one validated automation configuration. It is stored as a JSON
// blob inside a scenario version row and decoded on read.
type Config struct {
	Key         string              `json:"key"`
	Trigger     Trigger             `json:"trigger"`
	Conditions  []Rule              `json:"conditions,omitempty"`
	Segment     string              `json:"segment,omitempty"`
	Steps       []Step              `json:"steps"`
	Offers      map[string]OfferDef `json:"offers,omitempty"`
	Templates   map[string]Template `json:"templates"`
	Throttle    *Throttle           `json:"throttle,omitempty"`
	QuietHours  *QuietHours         `json:"quiet_hours,omitempty"`
	Experiment  *Experiment         `json:"experiment,omitempty"`
	Attribution *Attribution        `json:"attribution,omitempty"`
}

// Validate rejects malformed configs at the write boundary so the runner can
// trust every published config it reads.
func (c *Config) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}

	switch c.Trigger.Type {
	case TriggerEvent:
		if len(c.Trigger.EventNames) == 0 {
			return fmt.Errorf("event trigger requires at least one event name")
		}
	case TriggerSchedule:
		if c.Trigger.Cron == "" && c.Trigger.LastDaysOfMonth == 0 {
			return fmt.Errorf("schedule trigger requires a cron expression or a calendar window")
		}
		if c.Trigger.Cron != "" {
			if _, err := cronParser.Parse(c.Trigger.Cron); err != nil {
				return fmt.Errorf("invalid cron expression %q: %w", c.Trigger.Cron, err)
			}
		}
		if c.Trigger.LastDaysOfMonth < 0 || c.Trigger.LastDaysOfMonth > 28 {
			return fmt.Errorf("last_days_of_month must be within 1..28")
		}
	case TriggerMetric:
		if c.Trigger.MetricSource == "" {
			return fmt.Errorf("metric trigger requires a source")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", c.Trigger.Type)
	}

	for i, r := range c.Conditions {
		switch r.Operator {
		case OpGTE, OpLTE, OpEQ, OpNEQ, OpIn, OpNotIn:
		default:
			return fmt.Errorf("condition %d: unknown operator %q", i, r.Operator)
		}
		if r.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
	}

	if len(c.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("step %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.DelayHours < 0 {
			return fmt.Errorf("step %q: delay_hours must be >= 0", s.ID)
		}
		if s.TemplateKey == "" {
			return fmt.Errorf("step %q: template_key is required", s.ID)
		}
		if _, ok := c.Templates[s.TemplateKey]; !ok {
			return fmt.Errorf("step %q: template %q is not defined", s.ID, s.TemplateKey)
		}
		if s.OfferKey != "" {
			if _, ok := c.Offers[s.OfferKey]; !ok {
				return fmt.Errorf("step %q: offer %q is not defined", s.ID, s.OfferKey)
			}
		}
	}

	for key, def := range c.Offers {
		switch def.Type {
		case OfferBonusPercent, OfferDiscountPercent, OfferExtraDays, OfferFreeTrial:
		default:
			return fmt.Errorf("offer %q: unknown type %q", key, def.Type)
		}
		if def.TTLHours <= 0 {
			return fmt.Errorf("offer %q: ttl_hours must be > 0", key)
		}
		if def.Value < 0 {
			return fmt.Errorf("offer %q: value must be >= 0", key)
		}
	}

	for key, tmpl := range c.Templates {
		if len(tmpl.Text) == 0 {
			return fmt.Errorf("template %q: at least one locale is required", key)
		}
	}

	if q := c.QuietHours; q != nil && q.Enabled {
		if q.AllowedStart < 0 || q.AllowedStart > 23 || q.AllowedEnd < 0 || q.AllowedEnd > 23 {
			return fmt.Errorf("quiet hours: hours must be within 0..23")
		}
		if q.TimezoneDefault != "" {
			if _, err := time.LoadLocation(q.TimezoneDefault); err != nil {
				return fmt.Errorf("quiet hours: unknown timezone %q", q.TimezoneDefault)
			}
		}
	}

	if e := c.Experiment; e != nil && e.Enabled {
		if len(e.Variants) == 0 {
			return fmt.Errorf("experiment: at least one variant is required")
		}
		for i, v := range e.Variants {
			if v.ID == "" {
				return fmt.Errorf("experiment variant %d: id is required", i)
			}
			if v.SplitPercent < 0 || v.SplitPercent > 100 {
				return fmt.Errorf("experiment variant %q: split_percent must be within 0..100", v.ID)
			}
		}
	}

	if t := c.Throttle; t != nil {
		if t.PerUserPerScenarioHours < 0 || t.PerUserPerScenarioCount < 0 ||
			t.GlobalPromosPerWindow < 0 || t.GlobalWindowDays < 0 || t.PerStepCap < 0 {
			return fmt.Errorf("throttle: limits must be >= 0")
		}
		if (t.GlobalPromosPerWindow > 0) != (t.GlobalWindowDays > 0) {
			return fmt.Errorf("throttle: global cap and window must be set together")
		}
	}

	return nil
}

// StepByID returns the step with the given id and its index, or (nil, -1).
func (c *Config) StepByID(id string) (*Step, int) {
	for i := range c.Steps {
		if c.Steps[i].ID == id {
			return &c.Steps[i], i
		}
	}
	return nil, -1
}

// FinalStepID returns the id of the last step, or "" for an empty sequence.
func (c *Config) FinalStepID() string {
	if len(c.Steps) == 0 {
		return ""
	}
	return c.Steps[len(c.Steps)-1].ID
}
