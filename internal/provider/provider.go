// Package provider holds the OAuth endpoint catalog for supported mail
// providers. Built-in definitions cover Gmail and Yahoo Mail; a YAML file
// can override or extend them.
package provider

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider describes one OAuth2-with-PKCE mail provider.
type Provider struct {
	ID          string   `yaml:"id"`
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	ProfileURL  string   `yaml:"profile_url"`
	MailBaseURL string   `yaml:"mail_base_url"`
	ClientID    string   `yaml:"client_id"`
	Scopes      []string `yaml:"scopes"`
}

// Catalog resolves provider IDs to their definitions.
type Catalog struct {
	byID map[string]Provider
}

type fileConfig struct {
	Providers []Provider `yaml:"providers"`
}

// NewCatalog builds a catalog from the built-in providers, optionally
// overlaid with definitions from a YAML file. File entries replace
// built-ins with the same ID wholesale.
func NewCatalog(configPath string) (*Catalog, error) {
	byID := make(map[string]Provider)
	for _, p := range builtins() {
		byID[p.ID] = p
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading provider config %q: %w", configPath, err)
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing provider config %q: %w", configPath, err)
		}
		for _, p := range cfg.Providers {
			id := normalizeID(p.ID)
			if id == "" {
				continue
			}
			p.ID = id
			byID[id] = p
		}
	}

	// Environment wins over both file and built-ins for client IDs, so a
	// deployment can supply its own app registration without editing files.
	for id, p := range byID {
		if v := strings.TrimSpace(os.Getenv(clientIDEnv(id))); v != "" {
			p.ClientID = v
			byID[id] = p
		}
	}

	return &Catalog{byID: byID}, nil
}

// Get returns the provider for an ID.
func (c *Catalog) Get(id string) (Provider, bool) {
	p, ok := c.byID[normalizeID(id)]
	return p, ok
}

// IDs returns all known provider IDs in stable order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func clientIDEnv(id string) string {
	upper := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(id))
	return fmt.Sprintf("MAILBRIDGE_%s_CLIENT_ID", upper)
}

func builtins() []Provider {
	return []Provider{
		{
			ID:          "gmail",
			AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			ProfileURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
			MailBaseURL: "https://gmail.googleapis.com/gmail/v1/users/me",
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.readonly",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
		},
		{
			ID:          "yahoo",
			AuthURL:     "https://api.login.yahoo.com/oauth2/request_auth",
			TokenURL:    "https://api.login.yahoo.com/oauth2/get_token",
			ProfileURL:  "https://api.login.yahoo.com/openid/v1/userinfo",
			MailBaseURL: "https://mail.yahooapis.com/ws/v3/mailboxes",
			Scopes: []string{
				"openid",
				"email",
				"profile",
				"mail-r",
			},
		},
	}
}
