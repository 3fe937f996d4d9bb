package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
)

// ReminderTemplates holds the text/template source for each reminder kind.
type ReminderTemplates struct {
	DueSoon            string `mapstructure:"due_soon"`
	Notification       string `mapstructure:"notification"`
	BannerWarning      string `mapstructure:"banner_warning"`
	FeatureRestriction string `mapstructure:"feature_restriction"`
	FullLockout        string `mapstructure:"full_lockout"`
}

// EscalationConfig is the hot-reloadable part of the billing configuration.
type EscalationConfig struct {
	Policy    escalationdomain.Policy `mapstructure:"policy"`
	Templates ReminderTemplates       `mapstructure:"templates"`
}

// ReminderTemplateData is the value every reminder template executes
// against.
type ReminderTemplateData struct {
	InvoiceID    string
	Outstanding  string
	DueDate      string
	DaysUntilDue int
	DaysOverdue  int
}

var sampleTemplateData = ReminderTemplateData{
	InvoiceID:    "1800000000000000000",
	Outstanding:  "100.00",
	DueDate:      "2025-01-31",
	DaysUntilDue: 3,
	DaysOverdue:  12,
}

// RenderReminder executes src against data. References to fields that
// ReminderTemplateData lacks fail here rather than rendering empty.
func RenderReminder(name, src string, data ReminderTemplateData) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

func DefaultReminderTemplates() ReminderTemplates {
	return ReminderTemplates{
		DueSoon:            `Your subscription invoice {{.InvoiceID}} of {{.Outstanding}} is due on {{.DueDate}} ({{.DaysUntilDue}} day(s) left).`,
		Notification:       `Your subscription invoice {{.InvoiceID}} of {{.Outstanding}} was due on {{.DueDate}}. Please settle it to avoid restrictions.`,
		BannerWarning:      `Invoice {{.InvoiceID}} is {{.DaysOverdue}} day(s) overdue. Outstanding: {{.Outstanding}}.`,
		FeatureRestriction: `Invoice {{.InvoiceID}} is {{.DaysOverdue}} day(s) overdue. Some features are now restricted until {{.Outstanding}} is paid.`,
		FullLockout:        `Invoice {{.InvoiceID}} is {{.DaysOverdue}} day(s) overdue. Access is locked until {{.Outstanding}} is paid.`,
	}
}

func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Policy:    escalationdomain.DefaultPolicy(),
		Templates: DefaultReminderTemplates(),
	}
}

// EscalationConfigHolder serves the current EscalationConfig and swaps it on
// file change. An invalid reload keeps the previous config.
type EscalationConfigHolder struct {
	current atomic.Value // holds EscalationConfig
}

// NewStaticEscalationConfigHolder wraps a fixed config, mostly for tests.
func NewStaticEscalationConfigHolder(cfg EscalationConfig) (*EscalationConfigHolder, error) {
	cfg = normalizeEscalationConfig(cfg)
	if err := validateEscalationConfig(cfg); err != nil {
		return nil, err
	}
	holder := &EscalationConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewEscalationConfigHolder(cfg Config, log *zap.Logger) (*EscalationConfigHolder, error) {
	log = log.Named("config.escalation")
	v := viper.New()

	v.SetConfigName("escalation")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.EscalationConfigPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/carebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAREBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEscalationConfig()
	v.SetDefault("escalation.policy.due_soon_days", defaults.Policy.DueSoonDays)
	v.SetDefault("escalation.templates.due_soon", defaults.Templates.DueSoon)
	v.SetDefault("escalation.templates.notification", defaults.Templates.Notification)
	v.SetDefault("escalation.templates.banner_warning", defaults.Templates.BannerWarning)
	v.SetDefault("escalation.templates.feature_restriction", defaults.Templates.FeatureRestriction)
	v.SetDefault("escalation.templates.full_lockout", defaults.Templates.FullLockout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	loaded, err := unmarshalEscalationConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &EscalationConfigHolder{}
	holder.current.Store(loaded)

	if !fileLoaded {
		log.Info("escalation config file not found, using defaults")
		return holder, nil
	}

	log.Info("escalation config loaded", zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalEscalationConfig(v)
		if err != nil {
			log.Warn("invalid escalation config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("escalation config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *EscalationConfigHolder) Get() EscalationConfig {
	return h.current.Load().(EscalationConfig)
}

func (h *EscalationConfigHolder) Policy() escalationdomain.Policy {
	return h.Get().Policy
}

func (h *EscalationConfigHolder) Templates() ReminderTemplates {
	return h.Get().Templates
}

func unmarshalEscalationConfig(v *viper.Viper) (EscalationConfig, error) {
	// Unmarshal merges defaults per leaf key; UnmarshalKey would not.
	var wrapper struct {
		Escalation EscalationConfig `mapstructure:"escalation"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return EscalationConfig{}, err
	}
	cfg := wrapper.Escalation
	if len(cfg.Policy.Thresholds) == 0 {
		cfg.Policy.Thresholds = escalationdomain.DefaultPolicy().Thresholds
	}
	cfg = normalizeEscalationConfig(cfg)
	if err := validateEscalationConfig(cfg); err != nil {
		return EscalationConfig{}, err
	}
	return cfg, nil
}

func normalizeEscalationConfig(cfg EscalationConfig) EscalationConfig {
	for i, t := range cfg.Policy.Thresholds {
		cfg.Policy.Thresholds[i].Level = escalationdomain.Level(strings.ToUpper(strings.TrimSpace(string(t.Level))))
	}
	cfg.Policy = cfg.Policy.Normalize()
	return cfg
}

func validateEscalationConfig(cfg EscalationConfig) error {
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	named := map[string]string{
		"due_soon":            cfg.Templates.DueSoon,
		"notification":        cfg.Templates.Notification,
		"banner_warning":      cfg.Templates.BannerWarning,
		"feature_restriction": cfg.Templates.FeatureRestriction,
		"full_lockout":        cfg.Templates.FullLockout,
	}
	for name, src := range named {
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("escalation.templates.%s cannot be empty", name)
		}
		out, err := RenderReminder(name, src, sampleTemplateData)
		if err != nil {
			return fmt.Errorf("escalation.templates.%s: %w", name, err)
		}
		if out == "" {
			return fmt.Errorf("escalation.templates.%s renders an empty message", name)
		}
	}
	return nil
}
