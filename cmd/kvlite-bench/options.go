package main

import (
	"os"

	"github.com/kvlite/kvlite/pkg/kvlite"
	"gopkg.in/yaml.v3"
)

// loadOptions reads Options from a YAML file, or returns the zero value
// (engine defaults apply) when path is empty.
func loadOptions(path string) (kvlite.Options, error) {
	var opts kvlite.Options
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func openDB(dir, configPath string) (*kvlite.DB, error) {
	opts, err := loadOptions(configPath)
	if err != nil {
		return nil, err
	}
	return kvlite.Open(dir, opts)
}
