// Package config loads the screening configuration from a JSON file, with
// LVSCREEN_ environment overrides and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Limits holds the statutory voltage bounds every node must respect.
type Limits struct {
	VMin     float64 `mapstructure:"v_min" json:"VMin"`
	VMax     float64 `mapstructure:"v_max" json:"VMax"`
	VNominal float64 `mapstructure:"v_nominal" json:"VNominal"`
}

// Statutory returns the 207/253/230 V limits.
func Statutory() Limits {
	return Limits{VMin: 207.0, VMax: 253.0, VNominal: 230.0}
}

// Within reports whether v lies in [VMin, VMax] inclusive.
func (l Limits) Within(v float64) bool {
	return v >= l.VMin && v <= l.VMax
}

// Band is a closed substation regulation interval [Min, Max].
type Band struct {
	Name string  `mapstructure:"name" json:"Name"`
	Min  float64 `mapstructure:"min" json:"Min"`
	Max  float64 `mapstructure:"max" json:"Max"`
}

// Valid is false for the zero band and for inverted bands.
func (b Band) Valid() bool {
	return b.Max > b.Min
}

// Regulation carries the two named substation regulation bands. The
// screening band is used for single-season searches, the joint band for
// combined dual-season searches.
type Regulation struct {
	Screening Band `mapstructure:"screening"`
	Joint     Band `mapstructure:"joint"`
}

// Stress holds the two stress severities.
type Stress struct {
	ClassifyFactor float64 `mapstructure:"classify_factor"`
	ReportFactor   float64 `mapstructure:"report_factor"`
}

// Model selects the voltage model strategy used for feasibility decisions.
type Model struct {
	Strategy   string  `mapstructure:"strategy"`
	Diversity  float64 `mapstructure:"diversity"`
	PowerScale float64 `mapstructure:"power_scale"`
}

type Search struct {
	Effort string `mapstructure:"effort"`
}

type Ranking struct {
	TopK int `mapstructure:"top_k"`
}

type Batch struct {
	Workers int `mapstructure:"workers"`
}

// Data points at the CSV inputs and the export directory.
type Data struct {
	Networks  string   `mapstructure:"networks"`
	Profiles  []string `mapstructure:"profiles"`
	Seasons   []string `mapstructure:"seasons"`
	OutputDir string   `mapstructure:"output_dir"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MongoDB struct {
	Enabled    bool   `mapstructure:"enabled"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SQL struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

type NATS struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MQTT describes the broker that receives the final ranking.
type MQTT struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
	Timeout  int    `mapstructure:"timeout"`
}

type Web struct {
	Addr string `mapstructure:"addr"`
}

// Modbus describes the tap-changer controller that receives setpoints.
type Modbus struct {
	IPAddr       string  `mapstructure:"ip_addr"`
	Port         string  `mapstructure:"port"`
	SlaveID      byte    `mapstructure:"slave_id"`
	Timeout      int     `mapstructure:"timeout"`
	Register     uint16  `mapstructure:"register"`
	DataType     string  `mapstructure:"data_type"`
	Endianness   string  `mapstructure:"endianness"`
	Scale        float64 `mapstructure:"scale"`
	EnableLogger bool    `mapstructure:"enable_logger"`
}

// Config is the complete screening configuration.
type Config struct {
	Limits     Limits     `mapstructure:"limits"`
	Regulation Regulation `mapstructure:"regulation"`
	Stress     Stress     `mapstructure:"stress"`
	Model      Model      `mapstructure:"model"`
	Search     Search     `mapstructure:"search"`
	Ranking    Ranking    `mapstructure:"ranking"`
	Batch      Batch      `mapstructure:"batch"`
	Data       Data       `mapstructure:"data"`
	Logging    Logging    `mapstructure:"logging"`
	MongoDB    MongoDB    `mapstructure:"mongodb"`
	SQL        SQL        `mapstructure:"sql"`
	NATS       NATS       `mapstructure:"nats"`
	MQTT       MQTT       `mapstructure:"mqtt"`
	Web        Web        `mapstructure:"web"`
	Modbus     Modbus     `mapstructure:"modbus"`
}

// Load reads the configuration file at path. Every key may be overridden by
// an LVSCREEN_ prefixed environment variable, optionally sourced from .env.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // ignore missing file

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("lvscreen")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	lim := Statutory()
	v.SetDefault("limits.v_min", lim.VMin)
	v.SetDefault("limits.v_max", lim.VMax)
	v.SetDefault("limits.v_nominal", lim.VNominal)

	v.SetDefault("regulation.screening.name", "screening")
	v.SetDefault("regulation.screening.min", 218.5)
	v.SetDefault("regulation.screening.max", 241.5)
	v.SetDefault("regulation.joint.name", "joint")
	v.SetDefault("regulation.joint.min", 219.0)
	v.SetDefault("regulation.joint.max", 242.0)

	v.SetDefault("stress.classify_factor", 1.10)
	v.SetDefault("stress.report_factor", 1.30)

	v.SetDefault("model.strategy", "quadratic")
	v.SetDefault("model.diversity", 0.05)
	v.SetDefault("model.power_scale", 1.0)

	v.SetDefault("search.effort", "max-node-deviation")
	v.SetDefault("ranking.top_k", 10)
	v.SetDefault("batch.workers", 4)

	v.SetDefault("data.networks", "data/network_specifications.csv")
	v.SetDefault("data.profiles", []string{"data/winter_profile.csv", "data/summer_profile.csv"})
	v.SetDefault("data.seasons", []string{"winter", "summer"})
	v.SetDefault("data.output_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("mongodb.enabled", false)
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "lvscreen")
	v.SetDefault("mongodb.collection", "rankings")

	v.SetDefault("sql.enabled", false)
	v.SetDefault("sql.driver", "postgres")
	v.SetDefault("sql.dsn", "postgres://localhost:5432/lvscreen?sslmode=disable")
	v.SetDefault("sql.table", "ranking")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "lvscreen.evaluation")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "lvscreen")
	v.SetDefault("mqtt.topic", "lvscreen/ranking")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", 5000)

	v.SetDefault("web.addr", ":8080")

	v.SetDefault("modbus.ip_addr", "127.0.0.1")
	v.SetDefault("modbus.port", "502")
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.timeout", 1000)
	v.SetDefault("modbus.register", 40001)
	v.SetDefault("modbus.data_type", "u16")
	v.SetDefault("modbus.endianness", "big")
	v.SetDefault("modbus.scale", 10.0)
}

// Validate checks the physical consistency of the configuration.
func (c Config) Validate() error {
	l := c.Limits
	if l.VMin >= l.VMax {
		return fmt.Errorf("limits: v_min %.2f must be below v_max %.2f", l.VMin, l.VMax)
	}
	if l.VNominal < l.VMin || l.VNominal > l.VMax {
		return fmt.Errorf("limits: v_nominal %.2f outside [%.2f, %.2f]", l.VNominal, l.VMin, l.VMax)
	}
	for _, b := range []Band{c.Regulation.Screening, c.Regulation.Joint} {
		if !b.Valid() {
			return fmt.Errorf("regulation: band %q [%.2f, %.2f] is empty or inverted", b.Name, b.Min, b.Max)
		}
	}
	if c.Stress.ClassifyFactor <= 0 || c.Stress.ReportFactor <= 0 {
		return errors.New("stress: factors must be positive")
	}
	if c.Model.Diversity <= 0 || c.Model.Diversity > 1 {
		return fmt.Errorf("model: diversity %.3f outside (0, 1]", c.Model.Diversity)
	}
	if c.Model.PowerScale <= 0 {
		return errors.New("model: power_scale must be positive")
	}
	if len(c.Data.Profiles) != len(c.Data.Seasons) {
		return fmt.Errorf("data: %d profile files for %d seasons", len(c.Data.Profiles), len(c.Data.Seasons))
	}
	if c.Ranking.TopK <= 0 {
		return errors.New("ranking: top_k must be positive")
	}
	if c.Batch.Workers <= 0 {
		return errors.New("batch: workers must be positive")
	}
	return nil
}
