package catalog

import (
	"sort"
	"strings"
)

// ModelInfo describes one entry of the static model catalog.
type ModelInfo struct {
	ProviderID  string
	Name        string
	Description string
	Free        bool
}

// Pricing is USD per one million tokens.
type Pricing struct {
	Input  float64
	Output float64
}

// ModelAccessPolicy is either the wildcard (all models) or an explicit
// set of model keys.
type ModelAccessPolicy struct {
	AllModels bool
	Models    []string
}

// Allows reports whether the policy covers the given model key.
func (p ModelAccessPolicy) Allows(modelKey string) bool {
	if p.AllModels {
		return true
	}
	for _, key := range p.Models {
		if key == modelKey {
			return true
		}
	}
	return false
}

// Describe renders the allowed set for user-facing denial messages.
func (p ModelAccessPolicy) Describe() string {
	if p.AllModels {
		return "all models"
	}
	keys := append([]string(nil), p.Models...)
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// Tier bundles a monthly token ceiling with a model-access policy.
type Tier struct {
	Name          string
	MonthlyTokens int64
	PriceUSD      float64
	Access        ModelAccessPolicy
}

// Models is the static model catalog, keyed by the short model key the
// rest of the system uses. Loaded once, read-only afterwards.
var Models = map[string]ModelInfo{
	"mimo": {
		ProviderID:  "xiaomi/mimo-v2-flash:free",
		Name:        "Mimo V2 Flash",
		Description: "Free general-purpose model",
		Free:        true,
	},
	"chimera": {
		ProviderID:  "tngtech/deepseek-r1t-chimera:free",
		Name:        "DeepSeek Chimera",
		Description: "Free reasoning model",
		Free:        true,
	},
	"devstral": {
		ProviderID:  "mistralai/devstral-2512:free",
		Name:        "Devstral",
		Description: "Free coding model",
		Free:        true,
	},
	"gemini": {
		ProviderID:  "google/gemini-2.5-flash",
		Name:        "Gemini 2.5 Flash",
		Description: "Fast and cheap",
		Free:        false,
	},
	"claude": {
		ProviderID:  "anthropic/claude-sonnet-4.5",
		Name:        "Claude Sonnet 4.5",
		Description: "Balanced quality and price",
		Free:        false,
	},
	"gpt4": {
		ProviderID:  "openai/gpt-4o",
		Name:        "GPT-4o",
		Description: "OpenAI flagship",
		Free:        false,
	},
}

// ModelPricing is USD per 1M tokens. A model is free iff both prices
// are exactly zero. Models absent from this table price at zero.
var ModelPricing = map[string]Pricing{
	"mimo":     {Input: 0.0, Output: 0.0},
	"chimera":  {Input: 0.0, Output: 0.0},
	"devstral": {Input: 0.0, Output: 0.0},
	"gemini":   {Input: 0.075, Output: 0.30},
	"claude":   {Input: 3.0, Output: 15.0},
	"gpt4":     {Input: 2.5, Output: 10.0},
}

// Tiers is the static subscription catalog.
var Tiers = map[string]Tier{
	"free": {
		Name:          "Free",
		MonthlyTokens: 100_000,
		PriceUSD:      0,
		Access:        ModelAccessPolicy{Models: []string{"mimo", "chimera", "devstral"}},
	},
	"pro": {
		Name:          "Pro",
		MonthlyTokens: 5_000_000,
		PriceUSD:      9.99,
		Access:        ModelAccessPolicy{AllModels: true},
	},
	"unlimited": {
		Name:          "Unlimited",
		MonthlyTokens: 250_000_000,
		PriceUSD:      29.99,
		Access:        ModelAccessPolicy{AllModels: true},
	},
}

// DefaultModelKey is assigned to brand-new users.
const DefaultModelKey = "mimo"

// DefaultTier applies until an external tier change arrives.
const DefaultTier = "free"

// ModelName returns the display name, or a placeholder for unknown keys.
func ModelName(modelKey string) string {
	if info, ok := Models[modelKey]; ok {
		return info.Name
	}
	return "Unknown model"
}

// TierFor resolves a tier key, falling back to the free tier for
// unknown values so a corrupted row never grants extra access.
func TierFor(tierKey string) Tier {
	if tier, ok := Tiers[tierKey]; ok {
		return tier
	}
	return Tiers[DefaultTier]
}

// ModelKeys returns the catalog keys in stable order.
func ModelKeys() []string {
	keys := make([]string, 0, len(Models))
	for key := range Models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
