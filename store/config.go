package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bobg/bcs"
)

// LoadConfig reads a store config file.
// The format is chosen by extension:
// .toml for TOML,
// .yaml or .yml for YAML,
// anything else JSON.
func LoadConfig(filename string) (map[string]interface{}, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	var conf map[string]interface{}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		_, err = toml.NewDecoder(f).Decode(&conf)

	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&conf)

	default:
		dec := json.NewDecoder(f)
		dec.UseNumber()
		err = dec.Decode(&conf)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}
	return conf, nil
}

// FromConfig creates the store described by conf,
// whose "type" entry names its registered type.
func FromConfig(ctx context.Context, conf map[string]interface{}) (bcs.Store, error) {
	typ, ok := ConfString(conf, "type")
	if !ok {
		return nil, fmt.Errorf("config missing `type` parameter")
	}
	return Create(ctx, typ, conf)
}

// FromConfigFile creates the store described by the given config file.
func FromConfigFile(ctx context.Context, filename string) (bcs.Store, error) {
	conf, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	s, err := FromConfig(ctx, conf)
	return s, errors.Wrapf(err, "creating store from %s", filename)
}
