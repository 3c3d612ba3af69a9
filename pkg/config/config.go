package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// MinTickPeriod is the shortest control period the scheduler is trusted to hold.
const MinTickPeriod = time.Millisecond

// Config represents the application configuration. It is loaded once at boot
// and handed to every component by pointer; nothing mutates it afterwards.
type Config struct {
	PID       PIDConfig       `yaml:"pid"`
	Shunt     ShuntConfig     `yaml:"shunt"`
	Limits    LimitsConfig    `yaml:"limits"`
	PD        PDConfig        `yaml:"pd"`
	Control   ControlConfig   `yaml:"control"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Console   ConsoleConfig   `yaml:"console"`
	Mock      MockConfig      `yaml:"mock"`
}

// PIDConfig contains regulation loop gains and actuator range.
type PIDConfig struct {
	Kp         float32 `yaml:"kp"`
	Ki         float32 `yaml:"ki"`
	Kd         float32 `yaml:"kd"`
	MaxDuty    uint32  `yaml:"max_duty"`
	DutyOffset uint32  `yaml:"duty_offset"` // Duty that holds the output near zero error
}

// ShuntConfig contains current sense calibration.
type ShuntConfig struct {
	Resistance      float64 `yaml:"resistance"`       // Ohms
	TempCoefficient float64 `yaml:"temp_coefficient"` // ppm/°C
	LowRange        bool    `yaml:"low_range"`        // ±40.96 mV ADC range instead of ±163.84 mV
	Averaging       uint8   `yaml:"averaging"`        // INA228 AVG field (0..7)
}

// LimitsConfig contains protection thresholds.
type LimitsConfig struct {
	OverVoltage    int     `yaml:"ovp_mv"`
	UnderVoltage   int     `yaml:"uvp_mv"` // 0 disables UVP
	MaxCurrent     int     `yaml:"max_current_ma"`
	MaxPower       int     `yaml:"max_power_mw"`
	MaxTemperature float64 `yaml:"max_temperature_c"`
	ClearSamples   int     `yaml:"clear_samples"` // Clean samples required before a latch can be acknowledged
	UVPBlanking    int     `yaml:"uvp_blanking"`  // Ticks after enable before UVP is armed
}

// PDConfig contains power contract negotiation parameters.
type PDConfig struct {
	Currents       []int         `yaml:"currents_ma"` // Requested current ceilings, tried in order
	Headroom       int           `yaml:"headroom_mv"` // Added to the target when requesting adjustable profiles
	BootVoltage    int           `yaml:"boot_voltage_mv"`
	Retries        int           `yaml:"retries"`
	Timeout        time.Duration `yaml:"timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ControlConfig contains scheduler parameters.
type ControlConfig struct {
	TickPeriod     time.Duration `yaml:"tick_period"`
	TickTolerance  time.Duration `yaml:"tick_tolerance"`
	SampleBudget   time.Duration `yaml:"sample_budget"`
	OvershootRatio float64       `yaml:"overshoot_ratio"` // Measured/setpoint ratio that resets the integrator
}

// HardwareConfig names the buses and pins of a real board.
type HardwareConfig struct {
	SensorBus    string `yaml:"sensor_bus"`
	SensorAddr   uint16 `yaml:"sensor_addr"`
	PDBus        string `yaml:"pd_bus"`
	PWMPin       string `yaml:"pwm_pin"`
	PWMFrequency int    `yaml:"pwm_frequency"` // Hz
}

// TelemetryConfig contains the best-effort MQTT uplink parameters.
type TelemetryConfig struct {
	Broker   string        `yaml:"broker"` // Empty disables telemetry
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Interval time.Duration `yaml:"interval"`
	Buffer   int           `yaml:"buffer"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig contains the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// ConsoleConfig contains the operator console port.
type ConsoleConfig struct {
	Port     string `yaml:"port"` // Empty uses stdin/stdout
	BaudRate int    `yaml:"baud_rate"`
}

// MockConfig contains the simulated plant parameters.
type MockConfig struct {
	Profiles       []MockProfile `yaml:"profiles"`
	LoadResistance float64       `yaml:"load_resistance"` // Ohms
	TimeConstant   time.Duration `yaml:"time_constant"`   // Output filter time constant
	Ambient        float64       `yaml:"ambient"`         // °C
	ThermalRes     float64       `yaml:"thermal_res"`     // °C/W
	ThermalTau     time.Duration `yaml:"thermal_tau"`
	SampleRate     time.Duration `yaml:"sample_rate"`
}

// MockProfile is one advertised source capability of the simulated charger.
type MockProfile struct {
	Adjustable bool `yaml:"adjustable"`
	EPR        bool `yaml:"epr"`
	MinVoltage int  `yaml:"min_mv"`
	MaxVoltage int  `yaml:"max_mv"`
	MaxCurrent int  `yaml:"max_ma"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		PID: PIDConfig{
			Kp:         0.00001,
			Ki:         0.05,
			Kd:         0.000001,
			MaxDuty:    16383, // 14-bit PWM
			DutyOffset: 4500,
		},
		Shunt: ShuntConfig{
			Resistance:      0.005,
			TempCoefficient: 50,
			LowRange:        false,
			Averaging:       4,
		},
		Limits: LimitsConfig{
			OverVoltage:    30000,
			UnderVoltage:   0,
			MaxCurrent:     11000,
			MaxPower:       110000,
			MaxTemperature: 75,
			ClearSamples:   10,
			UVPBlanking:    50,
		},
		PD: PDConfig{
			Currents:       []int{5000, 3000},
			Headroom:       0,
			BootVoltage:    5000,
			Retries:        3,
			Timeout:        500 * time.Millisecond,
			BackoffInitial: 50 * time.Millisecond,
			BackoffMax:     time.Second,
			PollInterval:   250 * time.Millisecond,
		},
		Control: ControlConfig{
			TickPeriod:     10 * time.Millisecond,
			TickTolerance:  2 * time.Millisecond,
			SampleBudget:   3 * time.Millisecond,
			OvershootRatio: 1.10,
		},
		Hardware: HardwareConfig{
			SensorBus:    "",
			SensorAddr:   0x40,
			PDBus:        "",
			PWMPin:       "GPIO18",
			PWMFrequency: 4000,
		},
		Telemetry: TelemetryConfig{
			Topic:    "psu/telemetry",
			ClientID: "gopdpsu",
			Interval: 100 * time.Millisecond,
			Buffer:   4095,
			Timeout:  time.Second,
		},
		Console: ConsoleConfig{
			BaudRate: 115200,
		},
		Mock: MockConfig{
			Profiles: []MockProfile{
				{MinVoltage: 5000, MaxVoltage: 5000, MaxCurrent: 3000},
				{MinVoltage: 9000, MaxVoltage: 9000, MaxCurrent: 3000},
				{MinVoltage: 15000, MaxVoltage: 15000, MaxCurrent: 3000},
				{MinVoltage: 20000, MaxVoltage: 20000, MaxCurrent: 5000},
				{Adjustable: true, MinVoltage: 3300, MaxVoltage: 21000, MaxCurrent: 5000},
				{EPR: true, MinVoltage: 28000, MaxVoltage: 28000, MaxCurrent: 5000},
			},
			LoadResistance: 10,
			TimeConstant:   20 * time.Millisecond,
			Ambient:        25,
			ThermalRes:     1.5,
			ThermalTau:     30 * time.Second,
			SampleRate:     time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every configuration value the core cannot run with.
// A tick period the scheduler cannot hold is rejected here, at boot.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(msg, args...))
		}
	}

	check(c.PID.MaxDuty > 0, "pid.max_duty must be positive")
	check(c.PID.DutyOffset <= c.PID.MaxDuty, "pid.duty_offset %d exceeds max_duty %d", c.PID.DutyOffset, c.PID.MaxDuty)
	check(c.PID.Kp >= 0 && c.PID.Ki >= 0 && c.PID.Kd >= 0, "pid gains must not be negative")

	check(c.Shunt.Resistance > 0, "shunt.resistance must be positive")
	check(c.Shunt.TempCoefficient >= 0 && c.Shunt.TempCoefficient < 1<<14, "shunt.temp_coefficient out of range")
	check(c.Shunt.Averaging <= 7, "shunt.averaging must be 0..7")

	check(c.Limits.OverVoltage > 0, "limits.ovp_mv must be positive")
	check(c.Limits.UnderVoltage >= 0 && c.Limits.UnderVoltage < c.Limits.OverVoltage, "limits.uvp_mv must be below ovp_mv")
	check(c.Limits.MaxCurrent > 0, "limits.max_current_ma must be positive")
	check(c.Limits.MaxPower > 0, "limits.max_power_mw must be positive")
	check(c.Limits.MaxTemperature > 0, "limits.max_temperature_c must be positive")
	check(c.Limits.ClearSamples > 0, "limits.clear_samples must be positive")

	check(len(c.PD.Currents) > 0, "pd.currents_ma must not be empty")
	for _, ma := range c.PD.Currents {
		check(ma > 0, "pd.currents_ma entries must be positive")
	}
	check(c.PD.Retries >= 0, "pd.retries must not be negative")
	check(c.PD.Timeout > 0, "pd.timeout must be positive")

	check(c.Control.TickPeriod >= MinTickPeriod, "control.tick_period %v below scheduler resolution %v", c.Control.TickPeriod, MinTickPeriod)
	check(c.Control.TickTolerance > 0 && c.Control.TickTolerance < c.Control.TickPeriod, "control.tick_tolerance must be within (0, tick_period)")
	check(c.Control.SampleBudget > 0 && c.Control.SampleBudget < c.Control.TickPeriod, "control.sample_budget must be within (0, tick_period)")
	check(c.Control.OvershootRatio > 1, "control.overshoot_ratio must exceed 1")

	if err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

// ErrInvalid is returned by Validate when any value is out of range.
var ErrInvalid = errors.New("invalid configuration")

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.PID.Kp == 0 && c.PID.Ki == 0 && c.PID.Kd == 0 {
		c.PID.Kp, c.PID.Ki, c.PID.Kd = def.PID.Kp, def.PID.Ki, def.PID.Kd
	}
	if c.PID.MaxDuty == 0 {
		c.PID.MaxDuty = def.PID.MaxDuty
	}

	if c.Shunt.Resistance == 0 {
		c.Shunt.Resistance = def.Shunt.Resistance
	}

	if c.Limits.OverVoltage == 0 {
		c.Limits.OverVoltage = def.Limits.OverVoltage
	}
	if c.Limits.MaxCurrent == 0 {
		c.Limits.MaxCurrent = def.Limits.MaxCurrent
	}
	if c.Limits.MaxPower == 0 {
		c.Limits.MaxPower = def.Limits.MaxPower
	}
	if c.Limits.MaxTemperature == 0 {
		c.Limits.MaxTemperature = def.Limits.MaxTemperature
	}
	if c.Limits.ClearSamples == 0 {
		c.Limits.ClearSamples = def.Limits.ClearSamples
	}

	if len(c.PD.Currents) == 0 {
		c.PD.Currents = def.PD.Currents
	}
	if c.PD.BootVoltage == 0 {
		c.PD.BootVoltage = def.PD.BootVoltage
	}
	if c.PD.Timeout == 0 {
		c.PD.Timeout = def.PD.Timeout
	}
	if c.PD.BackoffInitial == 0 {
		c.PD.BackoffInitial = def.PD.BackoffInitial
	}
	if c.PD.BackoffMax == 0 {
		c.PD.BackoffMax = def.PD.BackoffMax
	}
	if c.PD.PollInterval == 0 {
		c.PD.PollInterval = def.PD.PollInterval
	}

	if c.Control.TickPeriod == 0 {
		c.Control.TickPeriod = def.Control.TickPeriod
	}
	if c.Control.TickTolerance == 0 {
		c.Control.TickTolerance = def.Control.TickTolerance
	}
	if c.Control.SampleBudget == 0 {
		c.Control.SampleBudget = def.Control.SampleBudget
	}
	if c.Control.OvershootRatio == 0 {
		c.Control.OvershootRatio = def.Control.OvershootRatio
	}

	if c.Hardware.SensorAddr == 0 {
		c.Hardware.SensorAddr = def.Hardware.SensorAddr
	}
	if c.Hardware.PWMFrequency == 0 {
		c.Hardware.PWMFrequency = def.Hardware.PWMFrequency
	}

	if c.Telemetry.Topic == "" {
		c.Telemetry.Topic = def.Telemetry.Topic
	}
	if c.Telemetry.ClientID == "" {
		c.Telemetry.ClientID = def.Telemetry.ClientID
	}
	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = def.Telemetry.Interval
	}
	if c.Telemetry.Buffer == 0 {
		c.Telemetry.Buffer = def.Telemetry.Buffer
	}
	if c.Telemetry.Timeout == 0 {
		c.Telemetry.Timeout = def.Telemetry.Timeout
	}

	if c.Console.BaudRate == 0 {
		c.Console.BaudRate = def.Console.BaudRate
	}

	if len(c.Mock.Profiles) == 0 {
		c.Mock.Profiles = def.Mock.Profiles
	}
	if c.Mock.LoadResistance == 0 {
		c.Mock.LoadResistance = def.Mock.LoadResistance
	}
	if c.Mock.TimeConstant == 0 {
		c.Mock.TimeConstant = def.Mock.TimeConstant
	}
	if c.Mock.ThermalRes == 0 {
		c.Mock.ThermalRes = def.Mock.ThermalRes
	}
	if c.Mock.ThermalTau == 0 {
		c.Mock.ThermalTau = def.Mock.ThermalTau
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}
