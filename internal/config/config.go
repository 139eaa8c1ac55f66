// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// MediaMTX holds connection settings for the media server.
type MediaMTX struct {
	Host     string
	APIPort  int
	RTSPPort int
}

// APIURL returns the base URL for the discovery API.
func (m MediaMTX) APIURL() string {
	return fmt.Sprintf("http://%s:%d", m.Host, m.APIPort)
}

// RTSPBaseURL returns the base URL streams are appended to.
func (m MediaMTX) RTSPBaseURL() string {
	return fmt.Sprintf("rtsp://%s:%d", m.Host, m.RTSPPort)
}

// Segments holds MPEG-TS segmenter settings. OutputDir should be tmpfs
// mounted; it is a scratch ring, not durable storage.
type Segments struct {
	OutputDir   string
	Duration    int // seconds
	MaxSegments int // 0 disables scratch cleanup
}

// Motion holds motion detection defaults applied to every stream.
// TuningFile optionally names a YAML file of per-stream overrides that is
// watched and applied at runtime.
type Motion struct {
	PixelThreshold  int
	AreaThreshold   float64
	CooldownFrames  int
	DetectionWidth  int
	DetectionHeight int
	TuningFile      string
}

// Recording holds durable recording settings.
type Recording struct {
	Dir             string
	PreRollSeconds  int
	PostRollSeconds int
}

// Database holds relational store settings. Driver is "postgres" or
// "sqlite"; sqlite uses Path and ignores the network fields.
type Database struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Path     string
}

// EventBus holds embedded bus settings. Port -1 selects a random port.
type EventBus struct {
	Enabled bool
	Host    string
	Port    int
}

// Detector is the full configuration of the detector process.
type Detector struct {
	MediaMTX  MediaMTX
	Segments  Segments
	Motion    Motion
	Recording Recording
	Database  Database
	Bus       EventBus

	// ManualStreams overrides API discovery when non-empty.
	ManualStreams     []string
	DiscoveryInterval time.Duration
	APIPort           int
	Verbose           bool
}

// Analyser is the full configuration of the analyser process.
type Analyser struct {
	Database      Database
	RecordingsDir string

	// VLLMAPIURL is the full chat-completions endpoint; the model list URL
	// used by the readiness gate is derived from it.
	VLLMAPIURL   string
	VLLMModel    string
	ServerPort   int
	PollInterval time.Duration
	HostIP       string
	Verbose      bool
}

// LoadDetector reads the detector configuration from the environment.
func LoadDetector() (*Detector, error) {
	cfg := &Detector{
		MediaMTX: MediaMTX{
			Host:     getEnv("MEDIAMTX_HOST", "mediamtx"),
			APIPort:  getEnvInt("MEDIAMTX_API_PORT", 9997),
			RTSPPort: getEnvInt("MEDIAMTX_RTSP_PORT", 8554),
		},
		Segments: Segments{
			OutputDir:   getEnv("SEGMENT_OUTPUT_DIR", "/dev/shm/segments"),
			Duration:    getEnvInt("SEGMENT_DURATION", 5),
			MaxSegments: getEnvInt("MAX_SEGMENTS", 20),
		},
		Motion: Motion{
			PixelThreshold:  getEnvInt("MOTION_PIXEL_THRESHOLD", 25),
			AreaThreshold:   getEnvFloat("MOTION_AREA_THRESHOLD", 1.0),
			CooldownFrames:  getEnvInt("MOTION_COOLDOWN_FRAMES", 30),
			DetectionWidth:  getEnvInt("MOTION_DETECTION_WIDTH", 320),
			DetectionHeight: getEnvInt("MOTION_DETECTION_HEIGHT", 240),
			TuningFile:      getEnv("MOTION_TUNING_FILE", ""),
		},
		Recording: Recording{
			Dir:             getEnv("RECORDINGS_DIR", "/recordings"),
			PreRollSeconds:  getEnvInt("PRE_ROLL_SECONDS", 5),
			PostRollSeconds: getEnvInt("POST_ROLL_SECONDS", 5),
		},
		Database: loadDatabase(),
		Bus: EventBus{
			Enabled: getEnvBool("EVENT_BUS_ENABLED", true),
			Host:    getEnv("EVENT_BUS_HOST", "127.0.0.1"),
			Port:    getEnvInt("EVENT_BUS_PORT", -1),
		},
		ManualStreams:     splitList(os.Getenv("RTSP_STREAMS")),
		DiscoveryInterval: time.Duration(getEnvInt("DISCOVERY_INTERVAL", 30)) * time.Second,
		APIPort:           getEnvInt("DETECTOR_API_PORT", 8089),
		Verbose:           getEnvBool("VERBOSE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAnalyser reads the analyser configuration from the environment.
func LoadAnalyser() (*Analyser, error) {
	cfg := &Analyser{
		Database:      loadDatabase(),
		RecordingsDir: getEnv("RECORDINGS_DIR", "/recordings"),
		VLLMAPIURL:    getEnv("VLLM_API_URL", "http://localhost:8000/v1/chat/completions"),
		VLLMModel:     getEnv("VLLM_MODEL", "Qwen/Qwen3-VL-8B-Instruct-FP8"),
		ServerPort:    getEnvInt("SERVER_PORT", 8080),
		PollInterval:  time.Duration(getEnvInt("POLL_INTERVAL", 10)) * time.Second,
		HostIP:        os.Getenv("HOST_IP"),
		Verbose:       getEnvBool("VERBOSE", false),
	}
	if cfg.HostIP == "" {
		cfg.HostIP = DetectHostIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDatabase() Database {
	return Database{
		Driver:   getEnv("DB_DRIVER", "postgres"),
		Host:     getEnv("DB_HOST", "db"),
		Port:     getEnvInt("DB_PORT", 5432),
		Name:     getEnv("DB_NAME", "panoptic"),
		User:     getEnv("DB_USER", "user"),
		Password: getEnv("DB_PASSWORD", "password"),
		Path:     getEnv("DB_PATH", "panoptic.db"),
	}
}

// Validate reports the first invalid setting. Configuration errors are fatal
// at startup, never at runtime.
func (c *Detector) Validate() error {
	if c.Segments.Duration <= 0 {
		return fmt.Errorf("SEGMENT_DURATION must be positive, got %d", c.Segments.Duration)
	}
	if c.Recording.PreRollSeconds < 0 {
		return fmt.Errorf("PRE_ROLL_SECONDS must not be negative, got %d", c.Recording.PreRollSeconds)
	}
	if c.Recording.PostRollSeconds < 0 {
		return fmt.Errorf("POST_ROLL_SECONDS must not be negative, got %d", c.Recording.PostRollSeconds)
	}
	if c.Motion.PixelThreshold < 0 || c.Motion.PixelThreshold > 255 {
		return fmt.Errorf("MOTION_PIXEL_THRESHOLD must be in [0,255], got %d", c.Motion.PixelThreshold)
	}
	if c.Motion.AreaThreshold < 0 || c.Motion.AreaThreshold > 100 {
		return fmt.Errorf("MOTION_AREA_THRESHOLD must be in [0,100], got %g", c.Motion.AreaThreshold)
	}
	if c.Motion.CooldownFrames < 0 {
		return fmt.Errorf("MOTION_COOLDOWN_FRAMES must not be negative, got %d", c.Motion.CooldownFrames)
	}
	if c.Motion.DetectionWidth <= 0 || c.Motion.DetectionHeight <= 0 {
		return fmt.Errorf("motion detection size must be positive, got %dx%d",
			c.Motion.DetectionWidth, c.Motion.DetectionHeight)
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("DISCOVERY_INTERVAL must be positive, got %s", c.DiscoveryInterval)
	}
	return c.Database.validate()
}

// Validate reports the first invalid setting.
func (c *Analyser) Validate() error {
	if c.VLLMAPIURL == "" {
		return fmt.Errorf("VLLM_API_URL must not be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT must be a valid port, got %d", c.ServerPort)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return c.Database.validate()
}

func (d Database) validate() error {
	switch d.Driver {
	case "postgres":
		if d.Host == "" || d.Name == "" {
			return fmt.Errorf("DB_HOST and DB_NAME are required for the postgres driver")
		}
	case "sqlite":
		if d.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", d.Driver)
	}
	return nil
}

// DetectHostIP returns the IP of the interface used for outbound traffic.
// No packet is sent; the UDP connect only resolves the local address.
func DetectHostIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
