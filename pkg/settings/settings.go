package settings

import (
	"time"

	"github.com/go-go-golems/agentbridge/pkg/security"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRunPath    = "/agent.v1.AgentService/RunSSE"
	DefaultAppendPath = "/aiserver.v1.BidiService/BidiAppend"
)

type BackendSettings struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	RunPath        string        `yaml:"run_path" mapstructure:"run_path"`
	AppendPath     string        `yaml:"append_path" mapstructure:"append_path"`
	ClientVersion  string        `yaml:"client_version,omitempty" mapstructure:"client_version"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	// ReadTimeout bounds both the wait for response headers and the idle
	// time between two lines of the event stream.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	// TimeoutHint is forwarded as Connect-Timeout-Ms.
	TimeoutHint   time.Duration `yaml:"timeout_hint" mapstructure:"timeout_hint"`
	MaxFrameBytes int           `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	MaxLineBytes  int           `yaml:"max_line_bytes" mapstructure:"max_line_bytes"`
	// AllowInsecure permits http and local network backends.
	AllowInsecure bool `yaml:"allow_insecure,omitempty" mapstructure:"allow_insecure"`
}

type SessionSettings struct {
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	// ToolSettle is how long a session waits after the last tool call was
	// fully described before handing the turn back to the client.
	ToolSettle              time.Duration `yaml:"tool_settle" mapstructure:"tool_settle"`
	MaxConsecutiveMalformed int           `yaml:"max_consecutive_malformed" mapstructure:"max_consecutive_malformed"`
	MaxConcurrent           int64         `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

type ServerSettings struct {
	Listen     string `yaml:"listen" mapstructure:"listen"`
	EventTopic string `yaml:"event_topic" mapstructure:"event_topic"`
	Debug      bool   `yaml:"debug" mapstructure:"debug"`
}

type RedisSettings struct {
	URL       string `yaml:"url,omitempty" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

type AuthSettings struct {
	AccessToken string            `yaml:"access_token,omitempty" mapstructure:"access_token"`
	Headers     map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

type Settings struct {
	Backend *BackendSettings `yaml:"backend" mapstructure:"backend"`
	Session *SessionSettings `yaml:"session" mapstructure:"session"`
	Server  *ServerSettings  `yaml:"server" mapstructure:"server"`
	Redis   *RedisSettings   `yaml:"redis" mapstructure:"redis"`
	Auth    *AuthSettings    `yaml:"auth" mapstructure:"auth"`
	// ModelsFile points to a capability table overriding the built-in one.
	ModelsFile string `yaml:"models_file,omitempty" mapstructure:"models_file"`
}

func NewSettings() *Settings {
	return &Settings{
		Backend: &BackendSettings{
			BaseURL:        "https://api2.cursor.sh",
			RunPath:        DefaultRunPath,
			AppendPath:     DefaultAppendPath,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    120 * time.Second,
			TimeoutHint:    5 * time.Minute,
			MaxFrameBytes:  4 << 20,
			MaxLineBytes:   8 << 20,
		},
		Session: &SessionSettings{
			Timeout:                 15 * time.Minute,
			SweepInterval:           time.Minute,
			ToolSettle:              750 * time.Millisecond,
			MaxConsecutiveMalformed: 3,
			MaxConcurrent:           16,
		},
		Server: &ServerSettings{
			Listen:     "127.0.0.1:8765",
			EventTopic: "agent-events",
		},
		Redis: &RedisSettings{
			KeyPrefix: "agentbridge:session:",
		},
		Auth: &AuthSettings{},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// FromYAML overlays a YAML document on top of the defaults.
func FromYAML(b []byte) (*Settings, error) {
	s := NewSettings()
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, errors.Wrap(err, "could not parse settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.Backend == nil || s.Session == nil || s.Server == nil {
		return errors.New("settings: backend, session and server sections are required")
	}
	policy := security.URLPolicy{}
	if s.Backend.AllowInsecure {
		policy = security.Insecure()
	}
	if err := security.CheckBackendURL(s.Backend.BaseURL, policy); err != nil {
		return errors.Wrap(err, "settings: invalid backend base_url")
	}
	if s.Backend.MaxFrameBytes <= 0 || s.Backend.MaxLineBytes <= 0 {
		return errors.New("settings: max_frame_bytes and max_line_bytes must be positive")
	}
	if s.Session.Timeout <= 0 {
		return errors.New("settings: session timeout must be positive")
	}
	if s.Session.MaxConsecutiveMalformed <= 0 {
		return errors.New("settings: max_consecutive_malformed must be positive")
	}
	if s.Session.MaxConcurrent <= 0 {
		return errors.New("settings: max_concurrent must be positive")
	}
	return nil
}
