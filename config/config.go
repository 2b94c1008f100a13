package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/videoengine/ratecontrol"
	"github.com/opd-ai/videoengine/rtcp"
	"github.com/opd-ai/videoengine/trace"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Key-frame request methods.
const (
	KeyFrameNone = "none"
	KeyFramePLI  = "pli"
	KeyFrameFIR  = "fir"
)

// Channel MTU limits. The MTU includes IP and UDP headers.
const (
	MinMTU = 400
	MaxMTU = 1500
)

// Config holds the engine settings.
type Config struct {
	ProcessInterval      time.Duration `yaml:"process_interval"`
	CallbackDrainTimeout time.Duration `yaml:"callback_drain_timeout"`
	MaxChannels          int           `yaml:"max_channels"`
	MaxCaptureDevices    int           `yaml:"max_capture_devices"`
	// CPUAlarmThreshold is the busy percentage that raises a performance alarm.
	CPUAlarmThreshold int `yaml:"cpu_alarm_threshold"`

	Channel     ChannelDefaults    `yaml:"channel"`
	RateControl ratecontrol.Config `yaml:"rate_control"`
	Trace       Trace              `yaml:"trace"`
}

// ChannelDefaults apply to every new channel.
type ChannelDefaults struct {
	MTU            int           `yaml:"mtu"`
	RTCPMode       string        `yaml:"rtcp_mode"`
	KeyFrameMethod string        `yaml:"key_frame_method"`
	NACKHistory    int           `yaml:"nack_history"`
	JitterMaxWait  time.Duration `yaml:"jitter_max_wait"`
}

// Trace selects log output.
type Trace struct {
	Filter string `yaml:"filter"`
	File   string `yaml:"file"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		ProcessInterval:      5 * time.Millisecond,
		CallbackDrainTimeout: 500 * time.Millisecond,
		MaxChannels:          32,
		MaxCaptureDevices:    10,
		CPUAlarmThreshold:    85,
		Channel: ChannelDefaults{
			MTU:            MaxMTU,
			RTCPMode:       rtcp.ModeCompound.String(),
			KeyFrameMethod: KeyFramePLI,
			NACKHistory:    400,
			JitterMaxWait:  200 * time.Millisecond,
		},
		RateControl: ratecontrol.DefaultConfig(),
		Trace:       Trace{Filter: "warning,error"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ProcessInterval >= time.Millisecond && c.ProcessInterval <= 100*time.Millisecond,
		"process_interval %v not in 1ms..100ms", c.ProcessInterval)
	check(c.CallbackDrainTimeout > 0, "callback_drain_timeout must be positive")
	check(c.MaxChannels > 0, "max_channels must be positive")
	check(c.MaxCaptureDevices > 0, "max_capture_devices must be positive")
	check(c.CPUAlarmThreshold > 0 && c.CPUAlarmThreshold <= 100,
		"cpu_alarm_threshold %d not in 1..100", c.CPUAlarmThreshold)

	check(c.Channel.MTU >= MinMTU && c.Channel.MTU <= MaxMTU, "channel.mtu %d not in %d..%d", c.Channel.MTU, MinMTU, MaxMTU)
	_, err := rtcp.ParseMode(c.Channel.RTCPMode)
	check(err == nil, "channel.rtcp_mode %q unknown", c.Channel.RTCPMode)
	switch c.Channel.KeyFrameMethod {
	case KeyFrameNone, KeyFramePLI, KeyFrameFIR:
	default:
		check(false, "channel.key_frame_method %q unknown", c.Channel.KeyFrameMethod)
	}
	check(c.Channel.NACKHistory > 0 && c.Channel.NACKHistory <= 0x8000,
		"channel.nack_history %d not in 1..32768", c.Channel.NACKHistory)
	check(c.Channel.JitterMaxWait > 0, "channel.jitter_max_wait must be positive")

	rc := c.RateControl
	check(rc.GoodLoss >= 0 && rc.GoodLoss < rc.PoorLoss && rc.PoorLoss <= 1,
		"rate_control loss thresholds need 0 <= good_loss < poor_loss <= 1")
	check(rc.IncreaseStep > 0, "rate_control.increase_step must be positive")
	check(rc.DecreaseMultiplier > 0 && rc.DecreaseMultiplier < 1,
		"rate_control.decrease_multiplier must be in (0,1)")

	_, err = trace.ParseFilter(c.Trace.Filter)
	check(err == nil, "trace.filter: %v", err)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Apply configures the default trace sink from c.Trace.
func (c Config) Apply() error {
	f, err := trace.ParseFilter(c.Trace.Filter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	trace.SetFilter(f)
	return trace.SetFile(c.Trace.File)
}
