package offline0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		FetchTimeout string `yaml:"fetchTimeout"`

		fetchTimeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		// Version is bumped on every deployment; activation drops all others.
		Version string `yaml:"version"`
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
		MaxSize string `yaml:"maxSize"`

		maxBytes int64
	} `yaml:"cache"`

	Install struct {
		Precache    []string `yaml:"precache"`
		Sitemaps    []string `yaml:"sitemaps"`
		OfflinePage string   `yaml:"offlinePage"`
	} `yaml:"install"`

	Routes struct {
		Static   []string `yaml:"static"`
		Critical []string `yaml:"critical"`

		// BypassWhenCookies skips the cache for static and critical routes
		// when the request carries any of these cookies.
		BypassWhenCookies []string `yaml:"bypassWhenCookies"`

		static   []Matcher
		critical []Matcher
	} `yaml:"routes"`

	Queue struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		MaxAttempts   int  `yaml:"maxAttempts"`
		DiscardFailed bool `yaml:"discardFailed"`
	} `yaml:"queue"`

	Sync struct {
		QueueTags  []string `yaml:"queueTags"`
		ClientTags []string `yaml:"clientTags"`
	} `yaml:"sync"`

	Notifications NotificationDefaults `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

type NotificationDefaults struct {
	DefaultTitle string `yaml:"defaultTitle"`
	DefaultTag   string `yaml:"defaultTag"`
	DefaultURL   string `yaml:"defaultURL"`
	Icon         string `yaml:"icon"`
	Badge        string `yaml:"badge"`
	Vibrate      []int  `yaml:"vibrate"`
	AnalyticsURL string `yaml:"analyticsURL"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.fetchTimeoutDur = 30 * time.Second
	if cfg.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(cfg.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		cfg.Server.fetchTimeoutDur = d
	}

	if strings.TrimSpace(cfg.Cache.Version) == "" {
		return fmt.Errorf("cache.version is required")
	}
	switch cfg.Cache.Backend {
	case "":
		cfg.Cache.Backend = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "./data/cache"
	}
	if cfg.Cache.MaxSize != "" {
		n, err := parseBytes(cfg.Cache.MaxSize)
		if err != nil {
			return fmt.Errorf("cache.maxSize: %w", err)
		}
		cfg.Cache.maxBytes = n
	}

	if cfg.Install.OfflinePage == "" {
		cfg.Install.OfflinePage = "/offline.html"
	}
	if !containsString(cfg.Install.Precache, cfg.Install.OfflinePage) {
		cfg.Install.Precache = append(cfg.Install.Precache, cfg.Install.OfflinePage)
	}

	for i, expr := range cfg.Routes.Static {
		ms, err := parseMatch(expr)
		if err != nil {
			return fmt.Errorf("routes.static[%d]: %w", i, err)
		}
		cfg.Routes.static = append(cfg.Routes.static, ms...)
	}
	for i, expr := range cfg.Routes.Critical {
		ms, err := parseMatch(expr)
		if err != nil {
			return fmt.Errorf("routes.critical[%d]: %w", i, err)
		}
		cfg.Routes.critical = append(cfg.Routes.critical, ms...)
	}

	switch cfg.Queue.Backend {
	case "":
		cfg.Queue.Backend = "bolt"
	case "bolt", "redis":
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "./data/queue.db"
	}
	if cfg.Queue.Backend == "redis" && cfg.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue.redis.addr is required for the redis backend")
	}
	if cfg.Queue.Redis.Prefix == "" {
		cfg.Queue.Redis.Prefix = "offline0:queue:"
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}

	if cfg.Sync.QueueTags == nil {
		cfg.Sync.QueueTags = []string{"background-sync"}
	}
	if cfg.Sync.ClientTags == nil {
		cfg.Sync.ClientTags = []string{"sync-data", "sync-calculator-results", "sync-checklist-progress"}
	}

	cfg.Notifications = cfg.Notifications.withDefaults()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func (n NotificationDefaults) withDefaults() NotificationDefaults {
	if n.DefaultTitle == "" {
		n.DefaultTitle = "New notification"
	}
	if n.DefaultTag == "" {
		n.DefaultTag = "general"
	}
	if n.DefaultURL == "" {
		n.DefaultURL = "/rv-apps-hub"
	}
	if n.Icon == "" {
		n.Icon = "/icons/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/icons/badge-72x72.png"
	}
	if n.Vibrate == nil {
		n.Vibrate = []int{100, 50, 100}
	}
	if n.AnalyticsURL == "" {
		n.AnalyticsURL = "/api/analytics/notification"
	}
	return n
}

// Classifier builds the route classifier from the compiled route patterns.
func (cfg Config) Classifier() Classifier {
	return Classifier{Static: cfg.Routes.static, Critical: cfg.Routes.critical}
}

// parseMatch compiles expressions such as
// "PathPrefix(/_next/static/) | Suffix(.woff2) | Exact(/deals)".
func parseMatch(expr string) ([]Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]Matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Kind(pattern), got %q", p)
		}
		kind, ok := matchKinds[p[:open]]
		if !ok {
			return nil, fmt.Errorf("unknown matcher %q", p[:open])
		}
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" {
			return nil, fmt.Errorf("empty pattern in %q", p)
		}
		if (kind == MatchPrefix || kind == MatchExact) && !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid path %q", inside)
		}
		out = append(out, Matcher{Kind: kind, Pattern: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

var matchKinds = map[string]MatchKind{
	"PathPrefix": MatchPrefix,
	"Exact":      MatchExact,
	"Suffix":     MatchSuffix,
	"Contains":   MatchContains,
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
