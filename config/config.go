package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-aex/model"
	"github.com/dhcgn/imap-aex/pathrule"
	"github.com/dhcgn/imap-aex/planner"
	"github.com/dhcgn/imap-aex/session"
)

// DefaultConfFile is read when present; --conf names another file that
// must exist.
const DefaultConfFile = "config.toml"

var ErrNoCriteria = errors.New("no date criteria, use --date or --all to fetch every message")

// Config captures every option of one extraction run.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	UseTLS             bool
	InsecureSkipVerify bool
	PromptPassword     bool
	Timeout            time.Duration

	Folders  []string
	DateDef  string
	All      bool
	Criteria session.Criteria

	ExtractDir        string
	NoSubdir          bool
	IgnoreInboxSubdir bool
	PathRules         []model.PathRule

	Policy       planner.Policy
	InlineImages bool
	Thunderbird  bool

	DryRun     bool
	Debug      bool
	StateDir   string
	BackupMbox string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	LogLevel string
	LogDir   string
	Progress bool
}

// option ties a CLI flag to its key in the config file.
type option struct {
	flag string
	key  string
}

var options = []option{
	{"host", "imap.host"},
	{"user", "imap.login"},
	{"port", "imap.port"},
	{"tls", "imap.tls"},
	{"insecure-skip-verify", "imap.insecure-skip-verify"},
	{"timeout", "imap.timeout"},

	{"folder", "parameters.folder"},
	{"date", "parameters.date"},
	{"all", "parameters.all"},
	{"extract-dir", "parameters.extract-dir"},
	{"max-size", "parameters.max-size"},
	{"flagged", "parameters.flagged"},
	{"path-rule", "parameters.path-rule"},
	{"state-dir", "parameters.state-dir"},
	{"backup-mbox", "parameters.backup-mbox"},
	{"include-header", "parameters.include-header"},
	{"include-body", "parameters.include-body"},
	{"exclude-header", "parameters.exclude-header"},
	{"exclude-body", "parameters.exclude-body"},

	{"no-subdir", "options.no-subdir"},
	{"ignore-inbox-subdir", "options.ignore-inbox-subdir"},
	{"thunderbird", "options.thunderbird"},
	{"date-prefix", "options.date-prefix"},
	{"extract-only", "options.extract-only"},
	{"strip-extract-only", "options.strip-extract-only"},
	{"inline-images", "options.inline-images"},
	{"inline-images-rewrite", "options.inline-images-rewrite"},
	{"dry-run", "options.dry-run"},
	{"debug", "options.debug"},
	{"password", "options.password"},
	{"log-level", "options.log-level"},
	{"log-dir", "options.log-dir"},
	{"progress", "options.progress"},
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands share the connection options.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.StringP("conf", "c", DefaultConfFile, "Optional TOML file holding any of the options below")
	flags.String("host", "", "IMAP server hostname (or first argument)")
	flags.String("user", "", "IMAP login (or second argument)")
	flags.IntP("port", "p", 993, "IMAP server port")
	flags.Bool("tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Duration("timeout", 2*time.Minute, "Bound for every remote operation")
	flags.Bool("password", false, "Prompt for the password instead of looking in the keyring")

	flags.StringArrayP("folder", "f", []string{"INBOX"}, "Mail folder, repeatable")
	flags.StringP("date", "d", "", "Date definition [<>]date[ to date], date is y, y-m or y-m-d")
	flags.Bool("all", false, "Fetch all mail; prefer --date")
	flags.StringP("extract-dir", "e", "./", "Extract attachments below this directory")
	flags.String("max-size", "100K", "Extract attachments of at least this size")
	flags.String("flagged", string(planner.FlaggedSkip), "Flagged mail behaviour: skip, extract or detach")
	flags.StringArray("path-rule", nil, "Folder rewrite pattern or pattern=>replacement, repeatable")
	flags.String("state-dir", defaultStateDir, "Directory for the run journal")
	flags.String("backup-mbox", "", "Append every original to this mbox before deleting it")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	flags.Bool("no-subdir", false, "Don't create subdirectories for mail folders")
	flags.Bool("ignore-inbox-subdir", false, "Drop INBOX as first subdirectory")
	flags.Bool("thunderbird", false, "Replace detached parts with Thunderbird links to the extracted file")
	flags.Bool("date-prefix", true, "Prefix file names with the message date")
	flags.Bool("extract-only", false, "Extract attachments but leave messages intact")
	flags.Bool("strip-extract-only", false, "Remove extract-only parts from rewritten messages too")
	flags.Bool("inline-images", false, "Handle inline images as attachments")
	flags.Bool("inline-images-rewrite", false, "Let inline images trigger a message rewrite")
	flags.Bool("dry-run", false, "Report what would happen and leave server and disk intact")
	flags.Bool("debug", false, "Append rewritten messages but never delete originals")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write the log to a timestamped file in this directory")
	flags.Bool("progress", false, "Show a progress bar instead of per-message log lines")

	return nil
}

// LoadConfig merges the parsed flags, the optional config file and the
// defaults, in that order of precedence, into a validated Config. args are
// the optional HOST and USER positionals.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	v, err := readFile(flags)
	if err != nil {
		return Config{}, err
	}
	for _, o := range options {
		if err := v.BindPFlag(o.key, flags.Lookup(o.flag)); err != nil {
			return Config{}, fmt.Errorf("bind --%s: %w", o.flag, err)
		}
	}

	host, user := v.GetString("imap.host"), v.GetString("imap.login")
	if len(args) > 0 && !flags.Changed("host") {
		host = args[0]
	}
	if len(args) > 1 && !flags.Changed("user") {
		user = args[1]
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(host),
		IMAPPort:           v.GetInt("imap.port"),
		IMAPUser:           strings.TrimSpace(user),
		UseTLS:             v.GetBool("imap.tls"),
		InsecureSkipVerify: v.GetBool("imap.insecure-skip-verify"),
		PromptPassword:     v.GetBool("options.password"),
		Timeout:            v.GetDuration("imap.timeout"),

		Folders: list(v, flags, "folder", "parameters.folder"),
		DateDef: strings.TrimSpace(v.GetString("parameters.date")),
		All:     v.GetBool("parameters.all"),

		ExtractDir:        v.GetString("parameters.extract-dir"),
		NoSubdir:          v.GetBool("options.no-subdir"),
		IgnoreInboxSubdir: v.GetBool("options.ignore-inbox-subdir"),

		InlineImages: v.GetBool("options.inline-images"),
		Thunderbird:  v.GetBool("options.thunderbird"),

		DryRun:     v.GetBool("options.dry-run"),
		Debug:      v.GetBool("options.debug"),
		StateDir:   v.GetString("parameters.state-dir"),
		BackupMbox: v.GetString("parameters.backup-mbox"),

		IncludeHeader: list(v, flags, "include-header", "parameters.include-header"),
		IncludeBody:   list(v, flags, "include-body", "parameters.include-body"),
		ExcludeHeader: list(v, flags, "exclude-header", "parameters.exclude-header"),
		ExcludeBody:   list(v, flags, "exclude-body", "parameters.exclude-body"),

		LogLevel: strings.ToLower(v.GetString("options.log-level")),
		LogDir:   v.GetString("options.log-dir"),
		Progress: v.GetBool("options.progress"),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.DateDef != "" {
		cfg.Criteria, err = ParseDate(cfg.DateDef)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.Criteria.All = cfg.All

	maxSize, err := ParseSize(v.GetString("parameters.max-size"))
	if err != nil {
		return Config{}, fmt.Errorf("--max-size: %w", err)
	}
	flagged, err := planner.ParseFlaggedPolicy(v.GetString("parameters.flagged"))
	if err != nil {
		return Config{}, fmt.Errorf("--flagged: %w", err)
	}
	cfg.Policy = planner.Policy{
		MinSize:             maxSize,
		Flagged:             flagged,
		ExtractOnly:         v.GetBool("options.extract-only"),
		StripExtractOnly:    v.GetBool("options.strip-extract-only"),
		InlineImagesRewrite: v.GetBool("options.inline-images-rewrite"),
		DatePrefix:          v.GetBool("options.date-prefix"),
	}

	for _, def := range list(v, flags, "path-rule", "parameters.path-rule") {
		rule, err := pathrule.Parse(def)
		if err != nil {
			return Config{}, err
		}
		cfg.PathRules = append(cfg.PathRules, rule)
	}
	if cfg.IgnoreInboxSubdir {
		cfg.PathRules = append(cfg.PathRules, pathrule.InboxRule)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConnection loads only what is needed to reach the server, for
// commands that do not extract.
func LoadConnection(cmd *cobra.Command, args []string) (Config, error) {
	if !cmd.Flags().Changed("date") {
		if err := cmd.Flags().Set("all", "true"); err != nil {
			return Config{}, err
		}
	}
	return LoadConfig(cmd, args)
}

func readFile(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	path, err := flags.GetString("conf")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return v, nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) && !flags.Changed("conf") {
			return v, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

// list reads a repeatable option. Flags set on the command line are taken
// as given; viper would split them on commas.
func list(v *viper.Viper, flags *pflag.FlagSet, flag, key string) []string {
	if flags.Changed(flag) {
		values, _ := flags.GetStringArray(flag)
		return values
	}
	return v.GetStringSlice(key)
}

// ParseSize reads a size such as 100K, 1.5M or 250000. Bare unit letters are
// binary multiples.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	switch last := s[len(s)-1]; last {
	case 'K', 'M', 'G', 'T', 'P', 'E', 'k', 'm', 'g', 't', 'p', 'e':
		s += "iB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("IMAP host must be provided via argument, --host or the config file")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("IMAP user must be provided via argument, --user or the config file")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.DateDef == "" && !cfg.All {
		return ErrNoCriteria
	}
	if len(cfg.Folders) == 0 {
		return fmt.Errorf("at least one --folder is required")
	}
	if strings.TrimSpace(cfg.ExtractDir) == "" {
		return fmt.Errorf("--extract-dir must not be empty")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-aex", "state"), nil
}
