// Package store holds the registry of blob-store types,
// the config-file loader that builds stores from it,
// and functions that operate on several stores at once.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/bcs"
)

// Factory creates a store from a config map.
type Factory func(context.Context, map[string]interface{}) (bcs.Store, error)

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)
)

// Register makes a store type available to Create under the given key.
// Store packages call it from their init functions.
func Register(key string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[key] = f
}

// Create creates a store of the type registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (bcs.Store, error) {
	mu.Lock()
	f, ok := registry[key]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// Kinds lists the registered store types.
func Kinds() []string {
	mu.Lock()
	defer mu.Unlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// CreateNested creates the store described by the sub-map conf[param],
// whose "type" entry names its registered type.
func CreateNested(ctx context.Context, conf map[string]interface{}, param string) (bcs.Store, error) {
	nested, ok := ConfMap(conf, param)
	if !ok {
		return nil, fmt.Errorf(`missing %q parameter`, param)
	}
	nestedType, ok := ConfString(nested, "type")
	if !ok {
		return nil, fmt.Errorf(`%q parameter missing "type"`, param)
	}
	s, err := Create(ctx, nestedType, nested)
	return s, errors.Wrapf(err, "creating nested %s store", nestedType)
}
