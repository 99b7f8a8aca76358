package astws

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults mirroring the Asterisk websocket examples
const (
	DefaultAriSubprotocol   = "ari"
	DefaultMediaSubprotocol = "media"
	DefaultOptimalFrameSize = 160 // 20ms of 8kHz ulaw
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDrainGrace       = 2 * time.Second
)

type Config struct {
	AriHost          string            `json:"ari_host"`
	AriPort          int               `json:"ari_port"`
	App              string            `json:"app"`
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	AriSubprotocol   string            `json:"ari_subprotocol"`
	MediaSubprotocol string            `json:"media_subprotocol"`
	OptimalFrameSize int               `json:"optimal_frame_size"`
	RequestTimeout   time.Duration     `json:"request_timeout"`
	DrainGrace       time.Duration     `json:"drain_grace"`
	Headers          map[string]string `json:"headers,omitempty"`
	DebugWebsocket   bool              `json:"debug_websocket"`
}

func NewConfig() *Config {
	c := &Config{
		AriHost:          "localhost",
		AriPort:          8088,
		AriSubprotocol:   DefaultAriSubprotocol,
		MediaSubprotocol: DefaultMediaSubprotocol,
		OptimalFrameSize: DefaultOptimalFrameSize,
		RequestTimeout:   DefaultRequestTimeout,
		DrainGrace:       DefaultDrainGrace,
		Headers:          make(map[string]string),
	}

	c.loadFromEnv()

	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if host := os.Getenv("ASTWS_ARI_HOST"); host != "" {
		c.AriHost = host
	}
	if port := os.Getenv("ASTWS_ARI_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			c.AriPort = val
		}
	}
	if app := os.Getenv("ASTWS_APP"); app != "" {
		c.App = app
	}
	if user := os.Getenv("ASTWS_ARI_USER"); user != "" {
		c.Username = user
	}
	if pass := os.Getenv("ASTWS_ARI_PASSWORD"); pass != "" {
		c.Password = pass
	}
	if proto := os.Getenv("ASTWS_ARI_SUBPROTOCOL"); proto != "" {
		c.AriSubprotocol = proto
	}
	if proto := os.Getenv("ASTWS_MEDIA_SUBPROTOCOL"); proto != "" {
		c.MediaSubprotocol = proto
	}
	if size := os.Getenv("ASTWS_OPTIMAL_FRAME_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil {
			c.OptimalFrameSize = val
		}
	}
	if timeout := os.Getenv("ASTWS_REQUEST_TIMEOUT"); timeout != "" {
		if val, err := time.ParseDuration(timeout); err == nil {
			c.RequestTimeout = val
		}
	}
	if grace := os.Getenv("ASTWS_DRAIN_GRACE"); grace != "" {
		if val, err := time.ParseDuration(grace); err == nil {
			c.DrainGrace = val
		}
	}
	c.DebugWebsocket = os.Getenv("ASTWS_DEBUG_WEBSOCKET") == "true"
}

// AriClientURL builds the events URL the ARI client dials, matching the
// form Asterisk expects: /ari/events with app and api_key query args.
func (c *Config) AriClientURL() string {
	q := url.Values{}
	q.Set("subscribeAll", "false")
	q.Set("app", c.App)
	if c.Username != "" {
		q.Set("api_key", c.Username+":"+c.Password)
	}
	return fmt.Sprintf("ws://%s:%d/ari/events?%s", c.AriHost, c.AriPort, q.Encode())
}

// MediaClientURL builds the per-connection media URL. The connection id
// comes from the MEDIA_WEBSOCKET_CONNECTION_ID channel variable.
func (c *Config) MediaClientURL(connectionID string) string {
	return fmt.Sprintf("ws://%s:%d/media/%s", c.AriHost, c.AriPort, connectionID)
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.AriHost == "" {
		issues = append(issues, "ARI host not set")
	}
	if c.AriPort <= 0 || c.AriPort > 65535 {
		issues = append(issues, fmt.Sprintf("Invalid ARI port: %d", c.AriPort))
	}
	if c.App != "" && strings.ContainsAny(c.App, " /?") {
		issues = append(issues, fmt.Sprintf("Invalid stasis app name: %q", c.App))
	}
	if c.Username == "" && c.Password != "" {
		issues = append(issues, "Password set without a username")
	}
	if c.OptimalFrameSize <= 0 {
		issues = append(issues, fmt.Sprintf("Invalid optimal frame size: %d", c.OptimalFrameSize))
	}
	if c.RequestTimeout <= 0 {
		issues = append(issues, "Request timeout must be positive")
	}

	return issues
}

func (c *Config) PrintConfig() {
	fmt.Println("Asterisk WebSocket Configuration")
	fmt.Println("==================================================")
	fmt.Printf("ARI Host: %s\n", c.AriHost)
	fmt.Printf("ARI Port: %d\n", c.AriPort)
	fmt.Printf("Stasis App: %s\n", c.App)
	if c.Username != "" {
		fmt.Printf("ARI User: %s\n", c.Username)
		fmt.Println("ARI Password: ********")
	} else {
		fmt.Println("ARI User: NOT SET")
	}
	fmt.Printf("ARI Subprotocol: %s\n", c.AriSubprotocol)
	fmt.Printf("Media Subprotocol: %s\n", c.MediaSubprotocol)
	fmt.Printf("Optimal Frame Size: %d\n", c.OptimalFrameSize)
	fmt.Printf("Request Timeout: %s\n", c.RequestTimeout)
	fmt.Printf("Drain Grace: %s\n", c.DrainGrace)
	fmt.Printf("Debug WebSocket: %t\n", c.DebugWebsocket)
}
