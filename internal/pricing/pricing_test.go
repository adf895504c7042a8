package pricing

import "testing"

func TestFromLiteLLMJSON(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
	  "gpt-4o-mini": {"input_cost_per_token": 0.000001, "output_cost_per_token": 0.000002},
	  "o1": {"input_cost_per_1k_tokens": 1.0, "output_cost_per_1k_tokens": 2.0},
	  "claude-3-5-haiku": {"input_cost_per_token": 0.000002, "output_cost_per_token": 0.000004, "cache_read_input_token_cost": 0.000001}
	}`)
	table, err := FromLiteLLMJSON(raw)
	if err != nil {
		t.Fatal(err)
	}

	p, ok := table.Lookup("gpt-4o-mini")
	if !ok {
		t.Fatal("missing gpt-4o-mini")
	}
	if p.InputUSDMicrosPerToken != 1 || p.OutputUSDMicrosPerToken != 2 {
		t.Errorf("gpt-4o-mini rates = %d/%d, want 1/2", p.InputUSDMicrosPerToken, p.OutputUSDMicrosPerToken)
	}

	o1, _ := table.Lookup("o1")
	if o1.InputUSDMicrosPerToken != 1000 || o1.OutputUSDMicrosPerToken != 2000 {
		t.Errorf("o1 rates = %d/%d, want 1000/2000", o1.InputUSDMicrosPerToken, o1.OutputUSDMicrosPerToken)
	}

	claude, _ := table.Lookup("claude-3-5-haiku")
	if claude.CacheReadInputUSDMicrosPerTok == nil || *claude.CacheReadInputUSDMicrosPerTok != 1 {
		t.Error("claude cache read rate should be 1 micro/token")
	}
}

func TestFromLiteLLMJSON_MissingCosts(t *testing.T) {
	t.Parallel()
	if _, err := FromLiteLLMJSON([]byte(`{"broken": {"mode": "chat"}}`)); err == nil {
		t.Error("entry with no costs should fail")
	}
	if _, err := FromLiteLLMJSON([]byte(`{"neg": {"input_cost_per_token": -1.0}}`)); err == nil {
		t.Error("negative cost should fail")
	}
}

func TestEstimateUSDMicros(t *testing.T) {
	t.Parallel()
	table, err := FromLiteLLMJSON([]byte(`{
	  "gpt-4o-mini": {"input_cost_per_token": 0.000001, "output_cost_per_token": 0.000002},
	  "claude-3-5-haiku": {"input_cost_per_token": 0.000002, "output_cost_per_token": 0.000004, "cache_read_input_token_cost": 0.000001}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	cost, ok := table.EstimateUSDMicros("gpt-4o-mini", "", 3, 0, 4)
	if !ok || cost != 3+8 {
		t.Errorf("cost = %d ok=%v, want 11", cost, ok)
	}

	// 10 input with 4 cached at discounted rate, 1 output:
	// 6*2 + 4*1 + 1*4 = 20.
	cost, ok = table.EstimateUSDMicros("claude-3-5-haiku", "", 10, 4, 1)
	if !ok || cost != 20 {
		t.Errorf("cached cost = %d ok=%v, want 20", cost, ok)
	}

	// Cached tokens clamp to input tokens.
	cost, _ = table.EstimateUSDMicros("claude-3-5-haiku", "", 2, 100, 0)
	if cost != 2 {
		t.Errorf("clamped cached cost = %d, want 2", cost)
	}

	if _, ok := table.EstimateUSDMicros("unknown-model", "", 1, 0, 1); ok {
		t.Error("unknown model should not price")
	}
}
