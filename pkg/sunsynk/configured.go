package sunsynk

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/levenlabs/go-lflag"
)

// Config is the account configuration read from flags.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Inverters []string
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("sunsynk-api-url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("failed to parse sunsynk url (%s): %w", c.BaseURL, err)
	}
	if c.Username == "" {
		return fmt.Errorf("sunsynk-username is required")
	}
	return nil
}

// Configured registers the sunsynk flags and returns an account and client
// that pick up their settings once flags are parsed.
func Configured() (*Account, *Client, *Config) {
	account := newAccount(&api{})
	client := newClient(&api{})
	cfg := &Config{}

	apiURL := lflag.String("sunsynk-api-url", DefaultBaseURL, "URL for the SunSynk Connect API")
	username := lflag.String("sunsynk-username", "", "SunSynk Connect username (email)")
	password := lflag.RequiredString("sunsynk-password", "SunSynk Connect password")
	inverters := lflag.String("sunsynk-inverters", "", "comma-delimited inverter serial numbers; empty discovers them from the account")

	lflag.Do(func() {
		cfg.BaseURL = *apiURL
		cfg.Username = *username
		cfg.Password = *password
		for _, sn := range strings.Split(*inverters, ",") {
			if sn = strings.TrimSpace(sn); sn != "" {
				cfg.Inverters = append(cfg.Inverters, sn)
			}
		}

		shared := NewAccount(cfg.BaseURL).api
		account.api = shared
		client.api = shared

		account.mu.Lock()
		account.username = cfg.Username
		account.password = cfg.Password
		account.mu.Unlock()
	})

	return account, client, cfg
}
