// Package config holds the loop configuration. It is read once at startup;
// only the sampling parameters file (params.file) is re-read between turns.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"franz/internal/fsutil"
)

type Config struct {
	Loop      LoopConfig      `json:"loop"`
	Capture   CaptureConfig   `json:"capture"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Physical  PhysicalConfig  `json:"physical"`
	Tools     ToolsConfig     `json:"tools"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Params    ParamsConfig    `json:"params"`
	State     StateConfig     `json:"state"`
	Audit     AuditConfig     `json:"audit"`
	Proxy     ProxyConfig     `json:"proxy"`
	Discord   DiscordConfig   `json:"discord"`
}

type LoopConfig struct {
	DelayMS        int    `json:"delay_ms"`
	ExecuteActions bool   `json:"execute_actions"`
	DebugDump      bool   `json:"debug_dump"`
	DumpDir        string `json:"dump_dir,omitempty"`
}

// CaptureConfig is the geometry of the frame sent to the model.
type CaptureConfig struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Marks  bool `json:"marks"`
}

// SandboxConfig describes the synthetic surface backend. Width and Height
// are the working resolution the surface is kept at; the capture resolution
// is what actually ships to the model.
type SandboxConfig struct {
	Active bool   `json:"active"`
	Dir    string `json:"dir"`
	ID     string `json:"id"`
	Reset  bool   `json:"reset,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type PhysicalConfig struct {
	Enabled bool `json:"enabled"`
}

// ToolsConfig gates each action call individually. The zero value enables
// everything; an explicit false disables that call.
type ToolsConfig struct {
	LeftClick       *bool `json:"left_click,omitempty"`
	RightClick      *bool `json:"right_click,omitempty"`
	DoubleLeftClick *bool `json:"double_left_click,omitempty"`
	Drag            *bool `json:"drag,omitempty"`
	Type            *bool `json:"type,omitempty"`
	Screenshot      *bool `json:"screenshot,omitempty"`
}

type ModelConfig struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

type ProviderEndpointConfig struct {
	BaseURL   string            `json:"base_url"`
	APIKey    string            `json:"api_key,omitempty"`
	APIKeyEnv string            `json:"api_key_env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type ProvidersConfig struct {
	Local      ProviderEndpointConfig `json:"local"`
	OpenAI     ProviderEndpointConfig `json:"openai"`
	OpenRouter ProviderEndpointConfig `json:"openrouter"`
	Generic    ProviderEndpointConfig `json:"generic"`
}

type ParamsConfig struct {
	File string `json:"file"`
}

type StateConfig struct {
	File string `json:"file"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type ProxyConfig struct {
	Enabled     bool   `json:"enabled"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
	Upstream    string `json:"upstream"`
	LogDir      string `json:"log_dir"`
	Dashboard   bool   `json:"dashboard_enabled"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"`
	TokenEnv  string `json:"token_env,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func Default() Config {
	return Config{
		Loop: LoopConfig{
			DelayMS:        1000,
			ExecuteActions: true,
			DebugDump:      false,
			DumpDir:        ".franz/dump",
		},
		Capture: CaptureConfig{
			Width:  512,
			Height: 288,
			Marks:  true,
		},
		Sandbox: SandboxConfig{
			Active: true,
			Dir:    ".franz/sandbox",
			ID:     "default",
			Width:  1024,
			Height: 576,
		},
		Physical: PhysicalConfig{
			Enabled: false,
		},
		Model: ModelConfig{
			Provider: "local",
			Name:     "qwen2.5-vl-7b-instruct",
		},
		Providers: ProvidersConfig{
			Local: ProviderEndpointConfig{
				BaseURL: "http://127.0.0.1:1234/v1",
			},
			OpenAI: ProviderEndpointConfig{
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			OpenRouter: ProviderEndpointConfig{
				BaseURL:   "https://openrouter.ai/api/v1",
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			Generic: ProviderEndpointConfig{
				BaseURL:   "",
				APIKeyEnv: "OPENAI_COMPAT_API_KEY",
			},
		},
		Params: ParamsConfig{
			File: ".franz/params.json",
		},
		State: StateConfig{
			File: ".franz/state.db",
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     ".franz/audit",
		},
		Proxy: ProxyConfig{
			Enabled:     false,
			BindAddress: "127.0.0.1",
			Port:        8484,
			Upstream:    "http://127.0.0.1:1234",
			LogDir:      ".franz/proxy",
			Dashboard:   true,
		},
		Discord: DiscordConfig{
			Enabled:  false,
			TokenEnv: "DISCORD_BOT_TOKEN",
		},
	}
}

func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Loop.DelayMS == 0 {
		c.Loop.DelayMS = d.Loop.DelayMS
	}
	if c.Loop.DumpDir == "" {
		c.Loop.DumpDir = d.Loop.DumpDir
	}
	if c.Capture.Width == 0 {
		c.Capture.Width = d.Capture.Width
	}
	if c.Capture.Height == 0 {
		c.Capture.Height = d.Capture.Height
	}
	if c.Sandbox.Dir == "" {
		c.Sandbox.Dir = d.Sandbox.Dir
	}
	if c.Sandbox.ID == "" {
		c.Sandbox.ID = d.Sandbox.ID
	}
	if c.Sandbox.Width == 0 {
		c.Sandbox.Width = d.Sandbox.Width
	}
	if c.Sandbox.Height == 0 {
		c.Sandbox.Height = d.Sandbox.Height
	}
	if c.Model.Provider == "" {
		c.Model.Provider = d.Model.Provider
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Providers.Local.BaseURL == "" {
		c.Providers.Local = d.Providers.Local
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI = d.Providers.OpenAI
	}
	if c.Providers.OpenRouter.BaseURL == "" {
		c.Providers.OpenRouter = d.Providers.OpenRouter
	}
	if c.Providers.Generic.APIKeyEnv == "" && c.Providers.Generic.APIKey == "" {
		c.Providers.Generic.APIKeyEnv = d.Providers.Generic.APIKeyEnv
	}
	if c.Params.File == "" {
		c.Params.File = d.Params.File
	}
	if c.State.File == "" {
		c.State.File = d.State.File
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = d.Audit.Dir
	}
	if c.Proxy.BindAddress == "" {
		c.Proxy.BindAddress = d.Proxy.BindAddress
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = d.Proxy.Port
	}
	if c.Proxy.Upstream == "" {
		c.Proxy.Upstream = d.Proxy.Upstream
	}
	if c.Proxy.LogDir == "" {
		c.Proxy.LogDir = d.Proxy.LogDir
	}
	if c.Discord.TokenEnv == "" {
		c.Discord.TokenEnv = d.Discord.TokenEnv
	}
}

func (c Config) Validate() error {
	if c.Loop.DelayMS < 0 {
		return fmt.Errorf("loop.delay_ms must not be negative: %d", c.Loop.DelayMS)
	}
	if c.Capture.Width < 1 || c.Capture.Height < 1 {
		return fmt.Errorf("capture resolution out of range: %dx%d", c.Capture.Width, c.Capture.Height)
	}

	if c.Sandbox.Active && c.Physical.Enabled {
		return errors.New("sandbox.active and physical.enabled are mutually exclusive")
	}
	if !c.Sandbox.Active && !c.Physical.Enabled {
		return errors.New("either sandbox.active or physical.enabled must be set")
	}
	if c.Sandbox.Active {
		if strings.TrimSpace(c.Sandbox.Dir) == "" {
			return errors.New("sandbox.dir cannot be empty")
		}
		if c.Sandbox.Width < 1 || c.Sandbox.Height < 1 {
			return fmt.Errorf("sandbox resolution out of range: %dx%d", c.Sandbox.Width, c.Sandbox.Height)
		}
	}

	provider := strings.ToLower(strings.TrimSpace(c.Model.Provider))
	supported := map[string]bool{
		"local": true, "openai": true, "openrouter": true, "generic": true,
	}
	if !supported[provider] {
		return fmt.Errorf("unsupported model provider: %q", c.Model.Provider)
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return errors.New("model.name is required")
	}
	if strings.TrimSpace(c.State.File) == "" {
		return errors.New("state.file is required")
	}

	if c.Proxy.Enabled {
		if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
			return fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port)
		}
		if ip := net.ParseIP(c.Proxy.BindAddress); ip == nil {
			return fmt.Errorf("proxy.bind_address must be an IP address: %q", c.Proxy.BindAddress)
		}
		if strings.TrimSpace(c.Proxy.Upstream) == "" {
			return errors.New("proxy.upstream is required when proxy.enabled is true")
		}
	}
	if c.Discord.Enabled {
		if strings.TrimSpace(c.Discord.ChannelID) == "" {
			return errors.New("discord.channel_id is required when discord.enabled is true")
		}
	}

	return nil
}

// Endpoint resolves the configured model provider to its endpoint.
func (c Config) Endpoint() (ProviderEndpointConfig, error) {
	switch strings.ToLower(strings.TrimSpace(c.Model.Provider)) {
	case "local":
		return c.Providers.Local, nil
	case "openai":
		return c.Providers.OpenAI, nil
	case "openrouter":
		return c.Providers.OpenRouter, nil
	case "generic":
		return c.Providers.Generic, nil
	default:
		return ProviderEndpointConfig{}, fmt.Errorf("unsupported provider: %s", c.Model.Provider)
	}
}

func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	buf = append(buf, '\n')

	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirMode); err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(path, buf, 0o600)
}
