// Copyright 2022-2023 RelationalAI, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"io/fs"
	"net"
	"net/url"
	"os/user"
	"path"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"nstrain/failure"
)

const DefaultConfigFile = "config.toml"

// Environment variables with this prefix override file settings, eg.
// NSTRAIN_DB_PASSWORD overrides db.password.
const EnvPrefix = "NSTRAIN_"

var defaults = map[string]interface{}{
	"db.host":    "localhost",
	"db.port":    "5432",
	"db.sslmode": "disable",
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	DB        DBConfig        `koanf:"db" json:"db"`
	Generator GeneratorConfig `koanf:"generator" json:"generator"`
}

type DBConfig struct {
	Username  string `koanf:"username" json:"username"`
	Password  string `koanf:"password" json:"password"`
	Host      string `koanf:"host" json:"host"`
	Port      string `koanf:"port" json:"port"`
	DBName    string `koanf:"db_name" json:"db_name"`
	TableName string `koanf:"table_name" json:"table_name"`
	SSLMode   string `koanf:"sslmode" json:"sslmode"`
}

// Regime is one noise distribution: per selected column mean and standard
// deviation of the sampled bias.
type Regime struct {
	Mean []float64 `koanf:"mean" json:"mean"`
	Std  []float64 `koanf:"std" json:"std"`
}

type GeneratorConfig struct {
	SelectFields []int    `koanf:"select_fields" json:"select_fields"`
	AggFields    []int    `koanf:"agg_fields" json:"agg_fields"`
	GroupFields  []int    `koanf:"group_fields" json:"group_fields"`
	Seed         int64    `koanf:"seed" json:"seed"`
	Regimes      []Regime `koanf:"regimes" json:"regimes"`

	// Settings of the first generator release, folded into Regimes when no
	// regimes are listed.
	HighMean     []float64 `koanf:"high_mean" json:"-"`
	HighVariance []float64 `koanf:"high_variance" json:"-"`
	LowMean      []float64 `koanf:"low_mean" json:"-"`
	LowVariance  []float64 `koanf:"low_variance" json:"-"`
}

// Expand the given file path if it start with a ~/
func expandUser(fname string) (string, error) {
	if strings.HasPrefix(fname, "~/") {
		usr, err := user.Current()
		if err != nil {
			return "", err
		}
		return path.Join(usr.HomeDir, fname[2:]), nil
	}
	return fname, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Layer defaults, the given provider and the environment, then decode.
func load(k *koanf.Koanf, cfg *Config) error {
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return failure.Wrap(failure.Config, err, "error loading environment")
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return failure.Wrap(failure.Config, err, "error decoding config")
	}
	cfg.Generator.foldLegacy()
	return nil
}

func newKoanf() *koanf.Koanf {
	k := koanf.New(".")
	k.Load(confmap.Provider(defaults, "."), nil) // nolint:errcheck
	return k
}

// Load settings from the named TOML config file.
func LoadConfigFile(fname string, cfg *Config) error {
	fname, err := expandUser(fname)
	if err != nil {
		return failure.Wrap(failure.IO, err, "error resolving config path")
	}
	k := newKoanf()
	if err := k.Load(file.Provider(fname), toml.Parser()); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return failure.Wrapf(failure.IO, err, "error loading config '%s'", fname)
		}
		return failure.Wrapf(failure.Config, err, "error loading config '%s'", fname)
	}
	return load(k, cfg)
}

// Load settings from the given TOML source.
func LoadConfigString(source string, cfg *Config) error {
	m, err := toml.Parser().Unmarshal([]byte(source))
	if err != nil {
		return failure.Wrap(failure.Config, err, "error parsing config")
	}
	k := newKoanf()
	if err := k.Load(confmap.Provider(m, ""), nil); err != nil {
		return failure.Wrap(failure.Config, err, "error loading config")
	}
	return load(k, cfg)
}

func (g *GeneratorConfig) foldLegacy() {
	if len(g.Regimes) > 0 {
		return
	}
	if len(g.HighMean) > 0 || len(g.HighVariance) > 0 {
		g.Regimes = append(g.Regimes, Regime{Mean: g.HighMean, Std: g.HighVariance})
	}
	if len(g.LowMean) > 0 || len(g.LowVariance) > 0 {
		g.Regimes = append(g.Regimes, Regime{Mean: g.LowMean, Std: g.LowVariance})
	}
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func subsetOf(name string, xs, of []int) error {
	for _, x := range xs {
		if !contains(of, x) {
			return failure.Newf(failure.Config, "%s: column %d is not a selected column", name, x)
		}
	}
	return nil
}

// Validate checks the generator settings against each other.
func (c *Config) Validate() error {
	if !identRE.MatchString(c.DB.TableName) {
		return failure.Newf(failure.Config, "db.table_name '%s' is not a valid identifier", c.DB.TableName)
	}
	g := &c.Generator
	if len(g.SelectFields) == 0 {
		return failure.New(failure.Config, "generator.select_fields is empty")
	}
	seen := map[int]bool{}
	for _, col := range g.SelectFields {
		if col < 0 {
			return failure.Newf(failure.Config, "generator.select_fields: negative column %d", col)
		}
		if seen[col] {
			return failure.Newf(failure.Config, "generator.select_fields: duplicate column %d", col)
		}
		seen[col] = true
	}
	if err := subsetOf("generator.agg_fields", g.AggFields, g.SelectFields); err != nil {
		return err
	}
	if err := subsetOf("generator.group_fields", g.GroupFields, g.SelectFields); err != nil {
		return err
	}
	if len(g.Regimes) == 0 {
		return failure.New(failure.Config, "no generator regimes configured")
	}
	n := len(g.SelectFields)
	for i, r := range g.Regimes {
		if len(r.Mean) != n || len(r.Std) != n {
			return failure.Newf(failure.Shape,
				"regime %d: mean has %d and std has %d values, expected %d",
				i, len(r.Mean), len(r.Std), n)
		}
		for j, s := range r.Std {
			if s < 0 {
				return failure.Newf(failure.Config, "regime %d: negative std %v at position %d", i, s, j)
			}
		}
	}
	return nil
}

// DSN returns the connection url for lib/pq.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DB.Host, c.DB.Port),
		Path:   "/" + c.DB.DBName,
	}
	if c.DB.Password == "" {
		u.User = url.User(c.DB.Username)
	} else {
		u.User = url.UserPassword(c.DB.Username, c.DB.Password)
	}
	if c.DB.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.DB.SSLMode}}.Encode()
	}
	return u.String()
}

// Masked returns a copy that is safe to print.
func (c *Config) Masked() *Config {
	result := *c
	if result.DB.Password != "" {
		result.DB.Password = "****"
	}
	return &result
}
