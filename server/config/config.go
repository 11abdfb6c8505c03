package config

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const DefaultFlagPrefix = "SAAR"

// Config Immutable after Load; shared read-only between all workers.
type Config struct {
	FlagPrefix      string
	Secret          [32]byte
	NopTeamID       int
	FlagRoundsValid int

	TeamRange    IpSpec
	VpnPeerRange IpSpec

	Postgres PostgresConfig
	Redis    RedisConfig
}

type PostgresConfig struct {
	Server   string
	Port     string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

type yamlConfig struct {
	FlagPrefix  string `yaml:"flag_prefix"`
	SecretFlags string `yaml:"secret_flags"`
	Scoring     struct {
		NopTeamID        *int `yaml:"nop_team_id"`
		FlagsRoundsValid *int `yaml:"flags_rounds_valid"`
	} `yaml:"scoring"`
	Network struct {
		TeamRange  IpSpec `yaml:"team_range"`
		VpnPeerIps IpSpec `yaml:"vpn_peer_ips"`
	} `yaml:"network"`
	Databases struct {
		Postgres struct {
			Server   string `yaml:"server"`
			Port     string `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
		} `yaml:"postgres"`
		Redis struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
		} `yaml:"redis"`
	} `yaml:"databases"`
}

// Load resolves the config file from SAARCTF_CONFIG / SAARCTF_CONFIG_DIR and
// applies environment overrides on top.
func Load() (*Config, error) {
	filename := "../../config.yaml"
	if env := os.Getenv("SAARCTF_CONFIG"); env != "" {
		filename = env
	} else if env := os.Getenv("SAARCTF_CONFIG_DIR"); env != "" {
		filename = env + "/config.yaml"
	}
	return LoadFile(filename)
}

func LoadFile(filename string) (*Config, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %v", err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %v", err)
	}

	cfg := &Config{
		FlagPrefix:      DefaultFlagPrefix,
		FlagRoundsValid: 10,
	}
	if raw.FlagPrefix != "" {
		cfg.FlagPrefix = raw.FlagPrefix
	}
	if raw.SecretFlags != "" {
		if err := decodeHexSecret(raw.SecretFlags, &cfg.Secret); err != nil {
			return nil, err
		}
	}
	if raw.Scoring.NopTeamID != nil {
		cfg.NopTeamID = *raw.Scoring.NopTeamID
	}
	if raw.Scoring.FlagsRoundsValid != nil {
		cfg.FlagRoundsValid = *raw.Scoring.FlagsRoundsValid
	}
	cfg.TeamRange = raw.Network.TeamRange
	cfg.VpnPeerRange = raw.Network.VpnPeerIps
	cfg.Postgres = PostgresConfig(raw.Databases.Postgres)
	cfg.Redis = RedisConfig(raw.Databases.Redis)

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CONFIG_FLAG_PREFIX"); v != "" {
		c.FlagPrefix = v
	}
	if v := os.Getenv("CONFIG_FLAG_ROUNDS_VALID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFIG_FLAG_ROUNDS_VALID: %v", err)
		}
		c.FlagRoundsValid = n
	}
	if v := os.Getenv("CONFIG_SECRET_FLAGS"); v != "" {
		if err := decodeHexSecret(v, &c.Secret); err != nil {
			return err
		}
	}
	if v := os.Getenv("CONFIG_NOP_TEAM_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFIG_NOP_TEAM_ID: %v", err)
		}
		c.NopTeamID = n
	}

	if v := os.Getenv("POSTGRES_SERVER"); v != "" {
		c.Postgres.Server = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		c.Postgres.Port = v
	}
	if v := os.Getenv("POSTGRES_USERNAME"); v != "" {
		c.Postgres.Username = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DATABASE"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %v", err)
		}
		c.Redis.Port = n
	}
	if v := os.Getenv("REDIS_DATABASE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DATABASE: %v", err)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	return nil
}

func decodeHexSecret(s string, out *[32]byte) error {
	if len(s) != 64 {
		return fmt.Errorf("hex secret invalid length: %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hex secret invalid: %v", err)
	}
	copy(out[:], raw)
	return nil
}

// PostgresConnectionString renders a libpq-style URL for database/sql.
func (c *Config) PostgresConnectionString() string {
	str := "postgresql://"
	if c.Postgres.Username != "" {
		str += url.QueryEscape(c.Postgres.Username)
		if c.Postgres.Password != "" {
			str += ":" + url.QueryEscape(c.Postgres.Password)
		}
		str += "@"
	}
	str += c.Postgres.Server
	if c.Postgres.Port != "" {
		str += ":" + c.Postgres.Port
	}
	str += "/" + c.Postgres.Database + "?sslmode=disable"
	return str
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// TeamIDFromIp Resolve both ranges; a vpn peer match wins if it is positive
// and smaller than the team range match. 0 means unknown.
func (c *Config) TeamIDFromIp(ip0, ip1, ip2, ip3 uint8) uint16 {
	v1 := c.TeamRange.TeamID(ip0, ip1, ip2, ip3)
	v2 := c.VpnPeerRange.TeamID(ip0, ip1, ip2, ip3)
	if v2 > 0 && v2 < v1 {
		return v2
	}
	return v1
}
