// Package policy decides whether a tool may run, merging compiled defaults with
// an externally supplied override document and the live reliability signal.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/vnmchuo/tool-gateway/internal/reliability"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type Tier string

const (
	TierFreemium Tier = "freemium"
	TierPremium  Tier = "premium"
)

const (
	PlanStandard = "standard"
	PlanPremium  = "premium"
)

// Plan holds the monthly run cap for an entitlement class. A nil limit is unlimited.
type Plan struct {
	MonthlyLimit *int `json:"monthlyLimit"`
}

type Tool struct {
	Enabled      bool `json:"enabled"`
	Tier         Tier `json:"tier"`
	HardDisabled bool `json:"hardDisabled,omitempty"`
}

type Overrides struct {
	ForceEnable  []toolkey.Key `json:"forceEnable"`
	ForceDisable []toolkey.Key `json:"forceDisable"`
}

// Document is the effective tool configuration. Values returned by Store are
// shared snapshots and must be treated as read-only.
type Document struct {
	Plans       map[string]Plan      `json:"plans"`
	Reliability reliability.Params   `json:"reliability"`
	Tools       map[toolkey.Key]Tool `json:"tools"`
	Overrides   Overrides            `json:"overrides"`
}

func intPtr(v int) *int { return &v }

// Defaults returns a fresh copy of the compiled-in configuration.
func Defaults() Document {
	return Document{
		Plans: map[string]Plan{
			PlanStandard: {MonthlyLimit: intPtr(3)},
			PlanPremium:  {MonthlyLimit: nil},
		},
		Reliability: reliability.DefaultParams,
		Tools: map[toolkey.Key]Tool{
			"compress-pdf":     {Enabled: true, Tier: TierFreemium},
			"rotate-pdf":       {Enabled: true, Tier: TierFreemium},
			"pdf-to-excel":     {Enabled: true, Tier: TierFreemium},
			"pdf-to-jpg":       {Enabled: true, Tier: TierPremium},
			"tiktok-download":  {Enabled: true, Tier: TierPremium},
			"youtube-download": {Enabled: true, Tier: TierPremium},
			"pdf-to-word":      {Enabled: false, Tier: TierPremium, HardDisabled: true},
		},
		Overrides: Overrides{},
	}
}

// Tool returns the configured record for key. Unlisted tools are enabled freemium tools.
func (d Document) Tool(key toolkey.Key) (Tool, bool) {
	t, ok := d.Tools[key]
	if !ok {
		return Tool{Enabled: true, Tier: TierFreemium}, false
	}
	if t.Tier == "" {
		t.Tier = TierFreemium
	}
	return t, true
}

// MonthlyLimit returns the cap for plan; unknown plans fall back to standard.
func (d Document) MonthlyLimit(plan string) *int {
	if p, ok := d.Plans[plan]; ok {
		return p.MonthlyLimit
	}
	if p, ok := d.Plans[PlanStandard]; ok {
		return p.MonthlyLimit
	}
	return nil
}

func (d Document) clone() Document {
	out := Document{
		Plans:       make(map[string]Plan, len(d.Plans)),
		Reliability: d.Reliability,
		Tools:       make(map[toolkey.Key]Tool, len(d.Tools)),
		Overrides: Overrides{
			ForceEnable:  append([]toolkey.Key(nil), d.Overrides.ForceEnable...),
			ForceDisable: append([]toolkey.Key(nil), d.Overrides.ForceDisable...),
		},
	}
	for k, v := range d.Plans {
		if v.MonthlyLimit != nil {
			v.MonthlyLimit = intPtr(*v.MonthlyLimit)
		}
		out.Plans[k] = v
	}
	for k, v := range d.Tools {
		out.Tools[k] = v
	}
	return out
}

// override mirrors Document with optional fields so absent keys keep their defaults.
type override struct {
	Plans       map[string]Plan `json:"plans"`
	Reliability *struct {
		Threshold *float64 `json:"threshold"`
		Window    *int     `json:"window"`
		MinRuns   *int     `json:"minRuns"`
	} `json:"reliability"`
	Tools map[string]struct {
		Enabled      *bool `json:"enabled"`
		Tier         Tier  `json:"tier"`
		HardDisabled bool  `json:"hardDisabled"`
	} `json:"tools"`
	Overrides *struct {
		ForceEnable  *[]string `json:"forceEnable"`
		ForceDisable *[]string `json:"forceDisable"`
	} `json:"overrides"`
}

// Merge applies an override document on top of base. Plans and tools merge per
// entry (an override entry replaces the whole entry), reliability merges per
// field, and override lists replace the base lists when present. Out-of-range
// reliability values are ignored. An empty document yields base unchanged.
func Merge(base Document, raw []byte) (Document, error) {
	out := base.clone()
	if len(raw) == 0 {
		return out, nil
	}

	var o override
	if err := json.Unmarshal(raw, &o); err != nil {
		return base.clone(), fmt.Errorf("parse override document: %w", err)
	}

	for name, p := range o.Plans {
		out.Plans[name] = p
	}

	if r := o.Reliability; r != nil {
		if r.Threshold != nil && *r.Threshold >= 0 && *r.Threshold <= 1 {
			out.Reliability.Threshold = *r.Threshold
		}
		if r.Window != nil && *r.Window > 0 {
			out.Reliability.Window = *r.Window
		}
		if r.MinRuns != nil && *r.MinRuns >= 0 {
			out.Reliability.MinRuns = *r.MinRuns
		}
	}

	for name, t := range o.Tools {
		key := toolkey.Normalize(name)
		if key == "" {
			continue
		}
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		tier := t.Tier
		if tier != TierPremium {
			tier = TierFreemium
		}
		out.Tools[key] = Tool{Enabled: enabled, Tier: tier, HardDisabled: t.HardDisabled}
	}

	if ov := o.Overrides; ov != nil {
		if ov.ForceEnable != nil {
			out.Overrides.ForceEnable = toolkey.NormalizeAll(*ov.ForceEnable)
		}
		if ov.ForceDisable != nil {
			out.Overrides.ForceDisable = toolkey.NormalizeAll(*ov.ForceDisable)
		}
	}

	return out, nil
}
