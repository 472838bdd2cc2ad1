package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Moth-Balls/Hydro-Assist/src/kalman"
	"github.com/Moth-Balls/Hydro-Assist/src/sensor"
)

var ErrInvalid = errors.New("invalid config")

// Config is the daemon configuration, read from hydro.yml.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Interval string `yaml:"interval"`
	DryRun   bool   `yaml:"dry_run"`

	ADCs       []ADCConfig      `yaml:"adcs"`
	Quantities []QuantityConfig `yaml:"quantities"`
	Pumps      []PumpConfig     `yaml:"pumps"`
	Dosing     []RuleConfig     `yaml:"dosing"`

	MQTT     MQTTConfig    `yaml:"mqtt"`
	API      ServerConfig  `yaml:"api"`
	Health   ServerConfig  `yaml:"health"`
	Profiler ServerConfig  `yaml:"profiler"`
	History  HistoryConfig `yaml:"history"`
}

// ADCConfig is one ADS1115 on the I2C bus.
type ADCConfig struct {
	Name    string `yaml:"name"`
	Bus     int    `yaml:"bus"`
	Address int    `yaml:"address"`
}

type QuantityConfig struct {
	Name             string         `yaml:"name"`
	Form             kalman.Form    `yaml:"form"` // scalar | matrix
	MeasurementNoise float32        `yaml:"measurement_noise"`
	ProcessNoise     float32        `yaml:"process_noise"`
	Seed             SeedConfig     `yaml:"seed"`
	Sensors          []SensorConfig `yaml:"sensors"`
}

type SeedConfig struct {
	Estimate    float32 `yaml:"estimate"`
	Uncertainty float32 `yaml:"uncertainty"`
}

// SensorConfig is one probe. Compensation is used by ec and tds probes, Slope
// (pH per volt) and Offset by ph probes.
type SensorConfig struct {
	Name         string  `yaml:"name"`
	Kind         string  `yaml:"kind"` // ec | tds | ph
	ADC          string  `yaml:"adc"`
	Pin          string  `yaml:"pin"`
	Vref         float32 `yaml:"vref"`
	Resolution   float32 `yaml:"resolution"`
	Compensation float32 `yaml:"compensation"`
	Slope        float32 `yaml:"slope"`
	Offset       float32 `yaml:"offset"`
}

// Converter builds the conversion for the probe's kind.
func (s SensorConfig) Converter() sensor.Converter {
	v := sensor.Voltage{Vref: s.Vref, Resolution: s.Resolution}
	switch s.Kind {
	case "ec":
		return &sensor.EC{Voltage: v, Compensation: s.Compensation}
	case "tds":
		return &sensor.TDS{Voltage: v, Compensation: s.Compensation}
	default:
		return &sensor.PH{Voltage: v, Slope: s.Slope, Offset: s.Offset}
	}
}

type PumpConfig struct {
	Name       string  `yaml:"name"`
	StepPin    string  `yaml:"step_pin"`
	DirPin     string  `yaml:"dir_pin"`
	StepsPerML float32 `yaml:"steps_per_ml"`
	StepRate   float64 `yaml:"step_rate"`
}

type RuleConfig struct {
	Quantity  string             `yaml:"quantity"`
	Target    float32            `yaml:"target"`
	Deadband  float32            `yaml:"deadband"`
	MLPerUnit float32            `yaml:"ml_per_unit"`
	MaxML     float32            `yaml:"max_ml"`
	Cooldown  string             `yaml:"cooldown"`
	Raise     map[string]float32 `yaml:"raise"`
	Lower     map[string]float32 `yaml:"lower"`
	ValidMin  float32            `yaml:"valid_min"`
	ValidMax  float32            `yaml:"valid_max"`
}

type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicPrefix   string `yaml:"topic_prefix"`
	QoS           byte   `yaml:"qos"`
	Retained      bool   `yaml:"retained"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryInterval string `yaml:"retry_interval"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HistoryConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// Default mirrors the bench setup: four EC probes and two pH probes on two
// ADS1115s, five dosing pumps.
func Default() *Config {
	c := &Config{
		LogLevel: "info",
		Interval: "1s",
		ADCs: []ADCConfig{
			{Name: "adc0", Bus: 1, Address: 0x48},
			{Name: "adc1", Bus: 1, Address: 0x49},
		},
		Quantities: []QuantityConfig{
			{
				Name:             "ec",
				Form:             kalman.Scalar,
				MeasurementNoise: 1111,
				ProcessNoise:     0.3,
				Seed:             SeedConfig{Estimate: 1177, Uncertainty: 0.3},
				Sensors: []SensorConfig{
					{Name: "ec1", Kind: "ec", ADC: "adc0", Pin: "0", Compensation: 78.08493545},
					{Name: "ec2", Kind: "ec", ADC: "adc0", Pin: "1", Compensation: 75.48113613},
					{Name: "ec3", Kind: "ec", ADC: "adc0", Pin: "2", Compensation: 113.20943457},
					{Name: "ec4", Kind: "ec", ADC: "adc0", Pin: "3", Compensation: 66.01233875},
				},
			},
			{
				Name:             "ph",
				Form:             kalman.Scalar,
				MeasurementNoise: 0.0011,
				ProcessNoise:     0.1,
				Seed:             SeedConfig{Estimate: 7.5, Uncertainty: 0.1},
				Sensors: []SensorConfig{
					{Name: "ph1", Kind: "ph", ADC: "adc1", Pin: "0"},
					{Name: "ph2", Kind: "ph", ADC: "adc1", Pin: "1"},
				},
			},
		},
		Pumps: []PumpConfig{
			{Name: "ph_up", StepPin: "13", DirPin: "12"},
			{Name: "ph_down", StepPin: "11", DirPin: "10"},
			{Name: "gro", StepPin: "9", DirPin: "6"},
			{Name: "micro", StepPin: "5", DirPin: "22"},
			{Name: "bloom", StepPin: "21", DirPin: "25"},
		},
		Dosing: []RuleConfig{
			{
				Quantity:  "ph",
				Target:    6.0,
				Deadband:  0.3,
				MLPerUnit: 5,
				MaxML:     5,
				Cooldown:  "10m",
				Raise:     map[string]float32{"ph_up": 1},
				Lower:     map[string]float32{"ph_down": 1},
				ValidMin:  0,
				ValidMax:  14,
			},
			{
				Quantity:  "ec",
				Target:    1200,
				Deadband:  100,
				MLPerUnit: 0.02,
				MaxML:     10,
				Cooldown:  "15m",
				Raise:     map[string]float32{"gro": 1, "micro": 1, "bloom": 1},
				ValidMin:  0,
			},
		},
		MQTT: MQTTConfig{
			Broker:        "tcp://localhost:1883",
			ClientID:      "hydro-assist",
			TopicPrefix:   "hydro",
			MaxRetries:    5,
			RetryInterval: "2s",
		},
		API:      ServerConfig{Enabled: true, Addr: ":5000"},
		Health:   ServerConfig{Enabled: true, Addr: ":50052"},
		Profiler: ServerConfig{Addr: "localhost:6060"},
		History:  HistoryConfig{Path: "hydro.db", MaxEntries: 1000},
	}
	for i := range c.Quantities {
		fillQuantity(&c.Quantities[i])
	}
	return c
}

// Load reads a YAML config over the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(c)
	return c, nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Interval == "" {
		c.Interval = d.Interval
	}
	if len(c.ADCs) == 0 {
		c.ADCs = d.ADCs
	}
	if len(c.Quantities) == 0 {
		c.Quantities = d.Quantities
	}
	if len(c.Pumps) == 0 {
		c.Pumps = d.Pumps
	}
	if c.Dosing == nil {
		c.Dosing = d.Dosing
	}
	for i := range c.ADCs {
		if c.ADCs[i].Bus == 0 {
			c.ADCs[i].Bus = d.ADCs[0].Bus
		}
	}
	for i := range c.Quantities {
		fillQuantity(&c.Quantities[i])
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = d.MQTT.Broker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.MQTT.MaxRetries == 0 {
		c.MQTT.MaxRetries = d.MQTT.MaxRetries
	}
	if c.MQTT.RetryInterval == "" {
		c.MQTT.RetryInterval = d.MQTT.RetryInterval
	}
	if c.API.Addr == "" {
		c.API.Addr = d.API.Addr
	}
	if c.Health.Addr == "" {
		c.Health.Addr = d.Health.Addr
	}
	if c.Profiler.Addr == "" {
		c.Profiler.Addr = d.Profiler.Addr
	}
	if c.History.Path == "" {
		c.History.Path = d.History.Path
	}
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = d.History.MaxEntries
	}
}

func fillQuantity(q *QuantityConfig) {
	if q.Form == "" {
		q.Form = kalman.Scalar
	}
	for j := range q.Sensors {
		s := &q.Sensors[j]
		if s.Vref == 0 {
			s.Vref = ADS1115Vref
		}
		if s.Resolution == 0 {
			s.Resolution = ADS1115FullScale
		}
		if s.Kind == "ph" && s.Slope == 0 && s.Offset == 0 {
			s.Slope, s.Offset = DefaultPHSlope, DefaultPHOffset
		}
	}
}

// ADS1115 at gain 1 and the factory pH line.
const (
	ADS1115Vref      = sensor.ADS1115Vref
	ADS1115FullScale = sensor.ADS1115FullScale
	DefaultPHSlope   = sensor.FactoryPHSlope
	DefaultPHOffset  = sensor.FactoryPHOffset
)

// Validate checks the cross references and value ranges.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if d, err := time.ParseDuration(c.Interval); err != nil || d <= 0 {
		fail("interval %q must be a positive duration", c.Interval)
	}
	if _, err := time.ParseDuration(c.MQTT.RetryInterval); c.MQTT.Enabled && err != nil {
		fail("mqtt retry_interval %q: %v", c.MQTT.RetryInterval, err)
	}
	if c.MQTT.QoS > 2 {
		fail("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}

	adcs := make(map[string]bool, len(c.ADCs))
	for _, a := range c.ADCs {
		if a.Name == "" || adcs[a.Name] {
			fail("adc name %q is empty or duplicated", a.Name)
		}
		adcs[a.Name] = true
	}

	if len(c.Quantities) == 0 {
		fail("no quantities configured")
	}
	quantities := make(map[string]bool, len(c.Quantities))
	sensors := make(map[string]bool)
	for _, q := range c.Quantities {
		if q.Name == "" || quantities[q.Name] {
			fail("quantity name %q is empty or duplicated", q.Name)
		}
		quantities[q.Name] = true

		if q.Form != kalman.Scalar && q.Form != kalman.Matrix {
			fail("quantity %s: form %q must be %q or %q", q.Name, q.Form, kalman.Scalar, kalman.Matrix)
		}
		if !(q.MeasurementNoise > 0) {
			fail("quantity %s: measurement_noise must be positive", q.Name)
		}
		if q.ProcessNoise < 0 {
			fail("quantity %s: process_noise must not be negative", q.Name)
		}
		if q.Seed.Uncertainty < 0 {
			fail("quantity %s: seed uncertainty must not be negative", q.Name)
		}
		if len(q.Sensors) == 0 {
			fail("quantity %s: no sensors", q.Name)
		}
		for _, s := range q.Sensors {
			if s.Name == "" || sensors[s.Name] {
				fail("quantity %s: sensor name %q is empty or duplicated", q.Name, s.Name)
			}
			sensors[s.Name] = true
			if !adcs[s.ADC] {
				fail("sensor %s: unknown adc %q", s.Name, s.ADC)
			}
			switch s.Kind {
			case "ec", "tds":
				if s.Compensation <= 0 {
					fail("sensor %s: compensation must be positive", s.Name)
				}
			case "ph":
			default:
				fail("sensor %s: kind %q must be ec, tds or ph", s.Name, s.Kind)
			}
			if s.Resolution <= 0 || s.Vref <= 0 {
				fail("sensor %s: vref and resolution must be positive", s.Name)
			}
		}
	}

	pumps := make(map[string]bool, len(c.Pumps))
	for _, p := range c.Pumps {
		if p.Name == "" || pumps[p.Name] {
			fail("pump name %q is empty or duplicated", p.Name)
		}
		pumps[p.Name] = true
		if p.StepPin == "" || p.DirPin == "" {
			fail("pump %s: step_pin and dir_pin are required", p.Name)
		}
		if p.StepsPerML < 0 || p.StepRate < 0 {
			fail("pump %s: steps_per_ml and step_rate must not be negative", p.Name)
		}
	}

	for _, r := range c.Dosing {
		if !quantities[r.Quantity] {
			fail("dosing: unknown quantity %q", r.Quantity)
		}
		if r.Deadband < 0 || r.MLPerUnit < 0 || r.MaxML < 0 {
			fail("dosing %s: deadband, ml_per_unit and max_ml must not be negative", r.Quantity)
		}
		if r.Cooldown != "" {
			if _, err := time.ParseDuration(r.Cooldown); err != nil {
				fail("dosing %s: cooldown %q: %v", r.Quantity, r.Cooldown, err)
			}
		}
		for _, shares := range []map[string]float32{r.Raise, r.Lower} {
			for name := range shares {
				if !pumps[name] {
					fail("dosing %s: unknown pump %q", r.Quantity, name)
				}
			}
		}
	}

	if c.History.MaxEntries < 0 {
		fail("history max_entries must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// IntervalDuration is the sampling period. Only valid after Validate.
func (c *Config) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

func (c MQTTConfig) RetryDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryInterval)
	return d
}

func (r RuleConfig) CooldownDuration() time.Duration {
	d, _ := time.ParseDuration(r.Cooldown)
	return d
}
