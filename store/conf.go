package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
)

// Config maps arrive from JSON, TOML, or YAML,
// and each decoder has its own idea of what a number is.
// These accessors paper over the differences.

// ConfString gets a string parameter.
func ConfString(conf map[string]interface{}, key string) (string, bool) {
	s, ok := conf[key].(string)
	return s, ok
}

// ConfMap gets a nested map parameter.
func ConfMap(conf map[string]interface{}, key string) (map[string]interface{}, bool) {
	switch m := conf[key].(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

// ConfInt64 gets an integer parameter.
// It is an error for the parameter to be present but not an integer.
func ConfInt64(conf map[string]interface{}, key string) (int64, bool, error) {
	v, ok := conf[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, true, errors.Wrapf(err, "parsing %q", key)
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, true, fmt.Errorf("%q out of range", key)
		}
		return int64(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, true, fmt.Errorf("%q is not an integer", key)
		}
		return int64(n), true, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, true, errors.Wrapf(err, "parsing %q", key)
	}
	return 0, true, fmt.Errorf("%q has type %T, want integer", key, v)
}

// ConfFloat64 gets a numeric parameter.
func ConfFloat64(conf map[string]interface{}, key string) (float64, bool, error) {
	v, ok := conf[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, true, errors.Wrapf(err, "parsing %q", key)
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}
	return 0, true, fmt.Errorf("%q has type %T, want number", key, v)
}

// ConfBool gets a boolean parameter.
func ConfBool(conf map[string]interface{}, key string) (bool, bool) {
	b, ok := conf[key].(bool)
	return b, ok
}

// ConfDuration gets a duration parameter,
// given either as a string for time.ParseDuration
// or as a number of seconds.
func ConfDuration(conf map[string]interface{}, key string) (time.Duration, bool, error) {
	v, ok := conf[key]
	if !ok {
		return 0, false, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		return d, true, errors.Wrapf(err, "parsing %q", key)
	}
	secs, _, err := ConfFloat64(conf, key)
	if err != nil {
		return 0, true, err
	}
	return time.Duration(secs * float64(time.Second)), true, nil
}

// ConfKeys gets the key strategy named by the "keys" parameter,
// defaulting to bcs.SHA256.
func ConfKeys(conf map[string]interface{}) (bcs.KeyStrategy, error) {
	name, _ := ConfString(conf, "keys")
	return bcs.KeyStrategyByName(name)
}

// ConfRetry builds a bcs.RetryPolicy from the "retry" sub-map, if any,
// starting from bcs.DefaultRetryPolicy.
// Recognized entries are attempts, base_delay, multiplier, and max_delay.
func ConfRetry(conf map[string]interface{}) (bcs.RetryPolicy, error) {
	p := bcs.DefaultRetryPolicy

	m, ok := ConfMap(conf, "retry")
	if !ok {
		return p, nil
	}

	if n, ok, err := ConfInt64(m, "attempts"); err != nil {
		return p, err
	} else if ok {
		p.MaxAttempts = int(n)
	}
	if d, ok, err := ConfDuration(m, "base_delay"); err != nil {
		return p, err
	} else if ok {
		p.BaseDelay = d
	}
	if f, ok, err := ConfFloat64(m, "multiplier"); err != nil {
		return p, err
	} else if ok {
		p.Multiplier = f
	}
	if d, ok, err := ConfDuration(m, "max_delay"); err != nil {
		return p, err
	} else if ok {
		p.MaxDelay = d
	}
	return p, nil
}
