package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/supportdesk/chatsync/internal/chatsync"
)

// endpointsFile is the on-disk shape of an endpoints override: ordered
// candidate routes per operation. Missing sections fall back to the
// built-in defaults for the configured base URL.
type endpointsFile struct {
	History []chatsync.Endpoint `yaml:"history"`
	Poll    []chatsync.Endpoint `yaml:"poll"`
	Send    []chatsync.Endpoint `yaml:"send"`
}

// LoadEndpoints parses the YAML endpoints file at path and merges it
// over the defaults for baseURL.
func LoadEndpoints(path, baseURL string) (chatsync.EndpointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatsync.EndpointSet{}, err
	}
	return parseEndpoints(data, baseURL)
}

func parseEndpoints(data []byte, baseURL string) (chatsync.EndpointSet, error) {
	var file endpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return chatsync.EndpointSet{}, fmt.Errorf("parse endpoints file: %w", err)
	}
	for _, section := range [][]chatsync.Endpoint{file.History, file.Poll, file.Send} {
		for _, e := range section {
			if e.Path == "" {
				return chatsync.EndpointSet{}, fmt.Errorf("endpoints file: entry missing path")
			}
		}
	}

	set := chatsync.DefaultEndpoints(baseURL)
	if len(file.History) > 0 {
		set.History = fillBaseURL(file.History, baseURL)
	}
	if len(file.Poll) > 0 {
		set.Poll = fillBaseURL(file.Poll, baseURL)
	}
	if len(file.Send) > 0 {
		set.Send = fillBaseURL(file.Send, baseURL)
	}
	return set, nil
}

// fillBaseURL defaults an entry's base URL to the configured one so the
// file only needs to spell out full URLs for cross-host fallbacks.
func fillBaseURL(endpoints []chatsync.Endpoint, baseURL string) []chatsync.Endpoint {
	out := make([]chatsync.Endpoint, len(endpoints))
	for i, e := range endpoints {
		if e.BaseURL == "" {
			e.BaseURL = baseURL
		}
		out[i] = e
	}
	return out
}
