package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/stratussync/internal/config"
	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/stratus"
)

// DefaultBaseURL is offered as the partner API root.
const DefaultBaseURL = "https://api.stratusdx.net/interface"

// CheckFunc verifies partner credentials, typically by listing each queue.
type CheckFunc func(ctx context.Context, p config.PartnerConfig) error

// Wizard walks the user through writing a config file.
type Wizard struct {
	prompt  *Prompter
	w       io.Writer
	cfgPath string
	check   CheckFunc
	logger  *slog.Logger
}

// NewWizard creates a Wizard that writes to cfgPath. Partner credentials
// are verified against the live API before saving.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		w:       w,
		cfgPath: cfgPath,
		check:   CheckPartner(logger),
		logger:  logger,
	}
}

// CheckPartner returns a CheckFunc that lists every family's queue.
func CheckPartner(logger *slog.Logger) CheckFunc {
	return func(ctx context.Context, p config.PartnerConfig) error {
		client, err := stratus.NewClientFromConfig(p, logger)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return client.Check(ctx)
	}
}

// Run executes the wizard and writes the config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to stratussync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", wiz.cfgPath)

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg := &config.Config{}

	// Step 1: partner API.
	fmt.Fprintf(wiz.w, "Step 1/5: StratusDX partner API\n")
	cfg.Partner.BaseURL = wiz.prompt.String("Base URL", DefaultBaseURL)
	for _, f := range model.Families {
		creds := config.Credentials{
			Username: wiz.prompt.String(fmt.Sprintf("%s username", f), ""),
			Password: wiz.prompt.Secret(fmt.Sprintf("%s password", f)),
		}
		setCredentials(&cfg.Partner, f, creds)
	}

	fmt.Fprintf(wiz.w, "  Checking partner queues...")
	if err := wiz.checkPartner(ctx, cfg.Partner); err != nil {
		wiz.logger.Warn("partner check failed", "error", err)
		fmt.Fprintf(wiz.w, " failed\n  %v\n", err)
		if !wiz.prompt.Confirm("Save the configuration anyway?", false) {
			return fmt.Errorf("partner check failed: %w", err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ok\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: database.
	fmt.Fprintf(wiz.w, "Step 2/5: Local database\n")
	if err := wiz.askDatabase(&cfg.Database); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: server and schedule.
	fmt.Fprintf(wiz.w, "Step 3/5: HTTP server and schedule\n")
	cfg.Server.ListenAddr = wiz.prompt.String("Listen address", ":8080")
	if wiz.prompt.Confirm("Validate bearer tokens as HS256 JWTs?", false) {
		cfg.Server.JWTSecret = wiz.prompt.Secret("JWT signing secret")
	}
	for {
		cfg.Sync.PollInterval = wiz.prompt.Duration("Poll interval (0 disables the scheduler)", 15*time.Minute)
		if cfg.Sync.PollInterval == 0 || (cfg.Sync.PollInterval >= time.Minute && cfg.Sync.PollInterval <= 24*time.Hour) {
			break
		}
		fmt.Fprintf(wiz.w, "  (poll interval must be 0 or between 1m and 24h)\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: facility mappings.
	fmt.Fprintf(wiz.w, "Step 4/5: Facility mappings\n")
	cfg.FacilityMappings = wiz.askFacilityMappings()
	fmt.Fprintf(wiz.w, "\n")

	// Step 5: write.
	fmt.Fprintf(wiz.w, "Step 5/5: Save configuration\n")
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "Next steps:\n")
	fmt.Fprintf(wiz.w, "  stratussync sync-once   run one pass of every family\n")
	fmt.Fprintf(wiz.w, "  stratussync serve       start the HTTP API and scheduler\n\n")
	return nil
}

func (wiz *Wizard) checkPartner(ctx context.Context, p config.PartnerConfig) error {
	// Fill in retry and breaker defaults before building a client.
	if err := p.Validate(); err != nil {
		return err
	}
	if wiz.check == nil {
		return nil
	}
	return wiz.check(ctx, p)
}

func (wiz *Wizard) askDatabase(db *config.DatabaseConfig) error {
	idx, err := wiz.prompt.Select("Database driver", []string{
		"SQLite (local file)",
		"PostgreSQL",
	})
	if err != nil {
		return fmt.Errorf("selecting database driver: %w", err)
	}
	if idx == 0 {
		db.Driver = config.DriverSQLite
		defaultPath, err := config.DefaultDBPath()
		if err != nil {
			return err
		}
		db.DSN = wiz.prompt.String("Database file", defaultPath)
		return nil
	}
	db.Driver = config.DriverPostgres
	db.DSN = wiz.prompt.String("Connection URL (postgres://...)", "")
	return nil
}

// askFacilityMappings collects name to organization/facility pairs until an
// empty name is entered.
func (wiz *Wizard) askFacilityMappings() []model.FacilityMapping {
	fmt.Fprintf(wiz.w, "  Map facility names from order payloads to local IDs (empty name to finish).\n")

	var out []model.FacilityMapping
	seen := make(map[string]bool)
	for {
		name := wiz.prompt.Optional("Facility name")
		if name == "" {
			return out
		}
		if seen[name] {
			fmt.Fprintf(wiz.w, "  (%q is already mapped)\n", name)
			continue
		}
		m := model.FacilityMapping{
			Name:           name,
			OrganizationID: wiz.prompt.Optional("Organization ID"),
			FacilityID:     wiz.prompt.Optional("Facility ID"),
		}
		if m.OrganizationID == "" && m.FacilityID == "" {
			fmt.Fprintf(wiz.w, "  (skipped: a mapping needs an organization or facility ID)\n")
			continue
		}
		seen[name] = true
		out = append(out, m)
		fmt.Fprintf(wiz.w, "  Mapped %q\n", name)
	}
}

func setCredentials(p *config.PartnerConfig, f model.Family, c config.Credentials) {
	switch f {
	case model.FamilyOrders:
		p.Orders = c
	case model.FamilyConfirmations:
		p.Confirmations = c
	case model.FamilyResults:
		p.Results = c
	}
}
