package config

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Credentials come from the environment (optionally seeded from a .env
// file). All fields are required: a run must fail before touching any feed
// when they are absent.
type Credentials struct {
	ClientID     string `env:"REDDIT_CLIENT_ID,required,notEmpty"`
	ClientSecret string `env:"REDDIT_CLIENT_SECRET,required,notEmpty"`
	Username     string `env:"REDDIT_USERNAME,required,notEmpty"`
	Password     string `env:"REDDIT_PASSWORD,required,notEmpty"`
	UserAgent    string `env:"REDDIT_USER_AGENT,required,notEmpty"`
}

// Parameters describe what to scan for and what to send. Loaded once from
// a TOML file before the run starts, never reloaded mid-run.
type Parameters struct {
	Subreddits []string `toml:"subreddits"`
	Pattern    string   `toml:"pattern"`
	Subject    string   `toml:"subject"`
	Message    string   `toml:"message"`
	Blacklist  []string `toml:"blacklist"`
	Schedule   string   `toml:"schedule"`
	ListingCap int      `toml:"listing_cap"`
}

// Flags is the CLI surface. No two flags are mutually exclusive; combining
// refresh flags with --update-only means refresh, then scan, then no
// notify.
type Flags struct {
	DryRun         bool
	UpdateOnly     bool
	Refresh        bool
	ContactRefresh bool
	MessageTest    bool
	Watch          bool
	ConfigPath     string
	DBPath         string
}

// Config is the single explicit configuration value threaded through the
// orchestrator; components never read ambient state.
type Config struct {
	Credentials Credentials
	Parameters  Parameters
	Flags       Flags

	// TitlePattern is Parameters.Pattern compiled at load time.
	TitlePattern *regexp.Regexp
}

const (
	defaultSchedule   = "@hourly"
	defaultListingCap = 1000
)

func ParseFlags(args []string) (Flags, error) {
	var f Flags

	fs := pflag.NewFlagSet("subwatch", pflag.ContinueOnError)
	fs.BoolVarP(&f.DryRun, "dry-run", "d", false,
		"update the database and simulate messaging without sending")
	fs.BoolVarP(&f.UpdateOnly, "update-only", "u", false,
		"scan feeds and update the database without messaging")
	fs.BoolVarP(&f.Refresh, "refresh", "r", false,
		"drop the post archive and candidates before scanning; contacts are unaffected")
	fs.BoolVar(&f.ContactRefresh, "contact-refresh", false,
		"drop the contact history, including the record of already-messaged users")
	fs.BoolVar(&f.MessageTest, "message-test", false,
		"send a test message to the authenticated account and exit")
	fs.BoolVarP(&f.Watch, "watch", "w", false,
		"keep running and repeat the full run on the configured schedule")
	fs.StringVarP(&f.ConfigPath, "config", "c", "config.toml",
		"path to the parameters file")
	fs.StringVar(&f.DBPath, "db", "subwatch.sqlite",
		"path to the SQLite database")

	if err := fs.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("parse flags: %w", err)
	}

	return f, nil
}

// Load assembles the full configuration. Any error here is fatal by design:
// nothing durable has been touched yet.
func Load(flags Flags) (*Config, error) {
	// A missing .env file is fine; the environment may be set directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	var creds Credentials
	if err := env.Parse(&creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	params, err := loadParameters(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load parameters: %w", err)
	}

	pattern, err := regexp.Compile(params.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", params.Pattern, err)
	}

	return &Config{
		Credentials:  creds,
		Parameters:   *params,
		Flags:        flags,
		TitlePattern: pattern,
	}, nil
}

func loadParameters(path string) (*Parameters, error) {
	var params Parameters
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := validateParameters(&params); err != nil {
		return nil, err
	}

	return &params, nil
}

func validateParameters(params *Parameters) error {
	var subreddits []string
	for _, sub := range params.Subreddits {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}

		subreddits = append(subreddits, sub)
	}
	params.Subreddits = subreddits

	if len(params.Subreddits) == 0 {
		return errors.New("at least one subreddit is required")
	}

	if strings.TrimSpace(params.Pattern) == "" {
		return errors.New("pattern is required")
	}

	if strings.TrimSpace(params.Subject) == "" {
		return errors.New("subject is required")
	}

	if strings.TrimSpace(params.Message) == "" {
		return errors.New("message is required")
	}

	if strings.TrimSpace(params.Schedule) == "" {
		params.Schedule = defaultSchedule
	}

	if params.ListingCap <= 0 {
		params.ListingCap = defaultListingCap
	}

	return nil
}
