package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SessionIDSize is the length of the session ids derived from group
// identifiers.
const SessionIDSize = 32

const (
	defaultMinSessionIDLength  = SessionIDSize
	defaultMinIdentifierLength = 10
	defaultTicketWindow        = 50
	defaultMinParticipants     = 1
	defaultMaxParticipants     = 100

	defaultRedisAddr      = "localhost:6379"
	defaultMongoURI       = "mongodb://localhost:27017"
	defaultMongoDatabase  = "mydb"
	defaultConnectTimeout = 10 * time.Second
	defaultServerAddress  = "localhost:9090"
	defaultLogLevel       = "info"
)

type (
	// Group holds the policy bounds of the group session subsystem.
	Group struct {
		// MinSessionIDLength is the shortest accepted session id in bytes.
		MinSessionIDLength int
		// MinIdentifierLength is the shortest accepted group identifier in bytes.
		MinIdentifierLength int
		// TicketWindow is the number of epochs kept locally per session.
		TicketWindow int
		// MinParticipants and MaxParticipants bound the members of a group
		// other than its initiator.
		MinParticipants int
		MaxParticipants int
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Mongo struct {
		URI            string
		Database       string
		ConnectTimeout time.Duration
	}

	Server struct {
		// Address is the relay and card directory listen address, and the
		// address clients dial.
		Address string
	}

	Logging struct {
		Level       string
		Development bool
		// File redirects log output from stderr.
		File        string
	}

	Config struct {
		Group   *Group
		Redis   *Redis
		Mongo   *Mongo
		Server  *Server
		Logging *Logging
	}
)

func (g *Group) applyDefaults() {
	if g.MinSessionIDLength <= 0 {
		g.MinSessionIDLength = defaultMinSessionIDLength
	}
	if g.MinIdentifierLength <= 0 {
		g.MinIdentifierLength = defaultMinIdentifierLength
	}
	if g.TicketWindow <= 0 {
		g.TicketWindow = defaultTicketWindow
	}
	if g.MinParticipants <= 0 {
		g.MinParticipants = defaultMinParticipants
	}
	if g.MaxParticipants <= 0 {
		g.MaxParticipants = defaultMaxParticipants
	}
}

func (g *Group) validate() error {
	if g.MinSessionIDLength > SessionIDSize {
		return fmt.Errorf("config: Group: MinSessionIDLength %d exceeds the %d byte session id", g.MinSessionIDLength, SessionIDSize)
	}
	if g.MinParticipants > g.MaxParticipants {
		return fmt.Errorf("config: Group: MinParticipants %d exceeds MaxParticipants %d", g.MinParticipants, g.MaxParticipants)
	}
	return nil
}

func (r *Redis) applyDefaults() {
	if r.Addr == "" {
		r.Addr = defaultRedisAddr
	}
}

func (m *Mongo) applyDefaults() {
	if m.URI == "" {
		m.URI = defaultMongoURI
	}
	if m.Database == "" {
		m.Database = defaultMongoDatabase
	}
	if m.ConnectTimeout <= 0 {
		m.ConnectTimeout = defaultConnectTimeout
	}
}

func (s *Server) applyDefaults() {
	if s.Address == "" {
		s.Address = defaultServerAddress
	}
}

func (l *Logging) applyDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

// Default returns a Config with every section set to its defaults.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Group == nil {
		cfg.Group = &Group{}
	}
	cfg.Group.applyDefaults()
	if err := cfg.Group.validate(); err != nil {
		return err
	}

	if cfg.Redis == nil {
		cfg.Redis = &Redis{}
	}
	cfg.Redis.applyDefaults()

	if cfg.Mongo == nil {
		cfg.Mongo = &Mongo{}
	}
	cfg.Mongo.applyDefaults()

	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	cfg.Server.applyDefaults()

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	cfg.Logging.applyDefaults()

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config. A missing file yields the defaults.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Load(b)
}
