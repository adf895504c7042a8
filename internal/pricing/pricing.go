// Package pricing converts token usage into integer USD-micro costs using a
// LiteLLM-style per-model pricing table. Integer arithmetic avoids float
// error accumulation across ledger updates.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ModelPricing holds per-token USD-micro rates for one model.
type ModelPricing struct {
	InputUSDMicrosPerToken         uint64
	OutputUSDMicrosPerToken        uint64
	CacheReadInputUSDMicrosPerTok  *uint64
	CacheWriteInputUSDMicrosPerTok *uint64
	// ServiceTierMultipliers maps tier name (e.g. "priority") to a
	// percentage multiplier; 100 = base price.
	ServiceTierMultipliers map[string]uint64
}

// Table maps model ids to pricing entries.
type Table struct {
	models map[string]ModelPricing
}

// Lookup returns the pricing entry for model, if any.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	p, ok := t.models[model]
	return p, ok
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.models)
}

// EstimateUSDMicros prices input/output tokens for model, splitting cached
// input tokens onto the cache-read rate when one exists. Returns false when
// the model has no pricing entry.
func (t *Table) EstimateUSDMicros(model, serviceTier string, inputTokens, cachedTokens, outputTokens uint64) (uint64, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}

	cached := min(cachedTokens, inputTokens)
	var inputCost uint64
	if cached > 0 && p.CacheReadInputUSDMicrosPerTok != nil {
		nonCached := inputTokens - cached
		inputCost = satAdd(satMul(nonCached, p.InputUSDMicrosPerToken), satMul(cached, *p.CacheReadInputUSDMicrosPerTok))
	} else {
		inputCost = satMul(inputTokens, p.InputUSDMicrosPerToken)
	}

	total := satAdd(inputCost, satMul(outputTokens, p.OutputUSDMicrosPerToken))

	if serviceTier != "" {
		if mult, ok := p.ServiceTierMultipliers[serviceTier]; ok && mult != 100 {
			total = satMul(total, mult) / 100
		}
	}
	return total, true
}

// FromLiteLLMJSON parses a LiteLLM model-pricing document:
//
//	{"gpt-4o-mini": {"input_cost_per_token": 0.00000015, ...}, ...}
//
// Costs may be given per-token or per-1k-tokens. Entries missing both input
// and output cost are rejected.
func FromLiteLLMJSON(raw []byte) (*Table, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("invalid pricing json: %w", err)
	}

	models := make(map[string]ModelPricing, len(root))
	for model, entry := range root {
		var fields map[string]any
		if err := json.Unmarshal(entry, &fields); err != nil {
			return nil, fmt.Errorf("invalid pricing entry for model %s: %w", model, err)
		}

		input, inputOK, err := costMicros(fields, "input_cost_per_token", "input_cost_per_1k_tokens", model)
		if err != nil {
			return nil, err
		}
		output, outputOK, err := costMicros(fields, "output_cost_per_token", "output_cost_per_1k_tokens", model)
		if err != nil {
			return nil, err
		}
		if !inputOK && !outputOK {
			return nil, fmt.Errorf("invalid pricing entry for model %s: missing both input/output cost", model)
		}

		p := ModelPricing{
			InputUSDMicrosPerToken:  input,
			OutputUSDMicrosPerToken: output,
		}
		if v, ok, err := costMicros(fields, "cache_read_input_token_cost", "", model); err != nil {
			return nil, err
		} else if ok {
			p.CacheReadInputUSDMicrosPerTok = &v
		}
		if v, ok, err := costMicros(fields, "cache_creation_input_token_cost", "", model); err != nil {
			return nil, err
		} else if ok {
			p.CacheWriteInputUSDMicrosPerTok = &v
		}
		models[model] = p
	}

	return &Table{models: models}, nil
}

// LoadFile reads a pricing table from a JSON file on disk.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return FromLiteLLMJSON(raw)
}

// costMicros reads a USD-per-token float (or per-1k fallback) and converts it
// to rounded USD-micros per token.
func costMicros(fields map[string]any, perTokenKey, per1kKey, model string) (uint64, bool, error) {
	usd, ok := floatField(fields, perTokenKey)
	if !ok && per1kKey != "" {
		if per1k, ok1k := floatField(fields, per1kKey); ok1k {
			usd, ok = per1k/1000.0, true
		}
	}
	if !ok {
		return 0, false, nil
	}
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd < 0 {
		return 0, false, fmt.Errorf("invalid pricing entry for model %s: invalid cost value for %s", model, perTokenKey)
	}
	micros := math.Round(usd * 1_000_000.0)
	if micros > math.MaxUint64 {
		return math.MaxUint64, true, nil
	}
	return uint64(micros), true, nil
}

func floatField(fields map[string]any, key string) (float64, bool) {
	if key == "" {
		return 0, false
	}
	v, ok := fields[key].(float64)
	return v, ok
}

func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
