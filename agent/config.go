package agent

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by ParseRunConfig.
const (
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 1024
	DefaultRecursionLimit = 25
)

// RunConfig is the typed form of a run's "config" object.
type RunConfig struct {
	// Model overrides the graph's default model; empty keeps the default.
	Model string

	// Temperature in [0, 2]. Default 0.7.
	Temperature float64

	// MaxTokens caps completion length. Default 1024.
	MaxTokens int

	// SystemPrompt is prepended to the conversation when set.
	SystemPrompt string

	// RecursionLimit caps the number of node updates per run. Default 25.
	RecursionLimit int

	// Timeout is the run deadline; zero means the server default.
	Timeout time.Duration

	// Tags are free-form labels copied into checkpoint metadata.
	Tags []string

	// Extra holds configurable keys that have no typed field.
	Extra map[string]any
}

// ParseRunConfig reads a loosely typed config object. Values under
// "configurable" take precedence over top-level ones. Malformed or
// non-finite numbers fall back to defaults rather than failing.
func ParseRunConfig(raw map[string]any) RunConfig {
	cfg := RunConfig{
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxTokens,
		RecursionLimit: DefaultRecursionLimit,
		Extra:          map[string]any{},
	}
	if raw == nil {
		return cfg
	}

	merged := map[string]any{}
	for k, v := range raw {
		if k != "configurable" {
			merged[k] = v
		}
	}
	if c, ok := raw["configurable"].(map[string]any); ok {
		for k, v := range c {
			merged[k] = v
		}
	}

	for k, v := range merged {
		switch k {
		case "model", "model_name":
			if s, ok := v.(string); ok {
				cfg.Model = strings.TrimSpace(s)
			}
		case "temperature":
			if f, ok := toFloat(v); ok && f >= 0 && f <= 2 {
				cfg.Temperature = f
			}
		case "max_tokens":
			if f, ok := toFloat(v); ok && f >= 1 && f <= math.MaxInt32 {
				cfg.MaxTokens = int(f)
			}
		case "recursion_limit":
			if f, ok := toFloat(v); ok && f >= 1 && f <= math.MaxInt32 {
				cfg.RecursionLimit = int(f)
			}
		case "system_prompt":
			if s, ok := v.(string); ok {
				cfg.SystemPrompt = s
			}
		case "timeout":
			if f, ok := toFloat(v); ok && f > 0 {
				cfg.Timeout = time.Duration(f * float64(time.Second))
			}
		case "tags":
			if list, ok := v.([]any); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						cfg.Tags = append(cfg.Tags, s)
					}
				}
			}
		default:
			cfg.Extra[k] = v
		}
	}
	return cfg
}

// toFloat coerces numbers and numeric strings; NaN and Inf are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
