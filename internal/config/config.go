// Package config parses the daemon/orchestrator TOML configuration,
// generalizing the project-constants defaults of
// _examples/original_source/calm/common_constants.py into a configurable
// file, decoded with github.com/BurntSushi/toml the way
// src/holo-build/parser.go decodes package definitions: export field
// names so the library's error messages stay meaningful, decode over the
// defaults, then validate after decode.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level document. Each nested struct only needs an
// exported name, matching PackageDefinition's own doc-comment convention.
type Config struct {
	Paths        PathsSection
	Arches       []string `toml:"arches"`
	Retention    RetentionSection
	Mail         MailSection
	Orphanmaint  string `toml:"orphanmaint"`
	Trustedmaint string `toml:"trustedmaint"`
	Keys         []string `toml:"keys"`
}

// PathsSection names every on-disk location calm operates over.
type PathsSection struct {
	Homedir       string `toml:"homedir"`
	Relarea       string `toml:"relarea"`
	Htdocs        string `toml:"htdocs"`
	Vault         string `toml:"vault"`
	Pkglist       string `toml:"pkglist"`
	Logdir        string `toml:"logdir"`
	Pidfile       string `toml:"pidfile"`
	Staging       string `toml:"staging"`
	NameHistory   string `toml:"name-history"`
	VaultRequests string `toml:"vault-requests"`
}

// RetentionSection overrides RetentionEngine's package-level defaults at
// the instance level (a package's own `keep-count`/etc hint still wins).
type RetentionSection struct {
	KeepCount     int `toml:"keep-count"`
	KeepCountTest int `toml:"keep-count-test"`
	KeepDays      int `toml:"keep-days"`
}

// MailSection configures the SMTP smarthost and default recipients.
type MailSection struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	From      string `toml:"from"`
	Emails    []string `toml:"emails"`
	AlwaysBCC string   `toml:"always-bcc"`
}

// Defaults mirrors common_constants.py's module-level constants.
func Defaults() Config {
	return Config{
		Paths: PathsSection{
			Homedir:       "/sourceware/cygwin-staging/home",
			Relarea:       "/var/ftp/pub/cygwin",
			Htdocs:        "/www/sourceware/htdocs/cygwin/",
			Vault:         "/sourceware/snapshot-tmp/cygwin",
			Pkglist:       "/www/sourceware/htdocs/cygwin/cygwin-pkg-maint",
			Logdir:        "/sourceware/cygwin-staging/logs",
			Pidfile:       "/sourceware/cygwin-staging/calm.pid",
			NameHistory:   "/sourceware/cygwin-staging/state/name-history",
			VaultRequests: "/sourceware/cygwin-staging/state/vault-requests",
		},
		Arches: []string{"x86_64"},
		Retention: RetentionSection{
			KeepCount:     3,
			KeepCountTest: 2,
			KeepDays:      0,
		},
		Mail: MailSection{
			Host: "localhost",
		},
	}
}

// Load decodes the TOML file at path over Defaults(), so a sparse config
// file only needs to name the fields it wants to override.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if len(cfg.Arches) == 0 {
		return fmt.Errorf("config: at least one arch is required")
	}
	if cfg.Paths.Relarea == "" {
		return fmt.Errorf("config: paths.relarea is required")
	}
	if cfg.Paths.Homedir == "" {
		return fmt.Errorf("config: paths.homedir is required")
	}
	return nil
}
