package runtime

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type EndpointConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type Config struct {
	Runtimes map[string]EndpointConfig `yaml:"runtimes"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Runtimes) == 0 {
		return Config{}, fmt.Errorf("no runtimes configured")
	}
	return cfg, nil
}

func (c Config) BuildRegistry(client *http.Client) (*Registry, error) {
	if client == nil {
		client = http.DefaultClient
	}
	entries := map[string]endpoint{}
	for name, cfg := range c.Runtimes {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
			return nil, fmt.Errorf("runtime %q: invalid base_url %q", name, cfg.BaseURL)
		}
		entries[strings.ToLower(name)] = endpoint{
			base:    base,
			headers: cfg.Headers,
			timeout: cfg.TimeoutSeconds,
		}
	}
	return &Registry{entries: entries, client: client}, nil
}
