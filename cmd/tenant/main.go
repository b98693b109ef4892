// Package main provides the tenant administration CLI.
// Usage: tenant list
//
//	tenant suspend <slug>
//	tenant set-db <slug> --host db1 --name acme_db --password s3cret
//	tenant issue-token <slug> --user <user-id> --abilities billing:read,billing:write
//	tenant pause-subscription <slug>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"worktally/internal/bootstrap"
	"worktally/internal/config"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	"worktally/internal/domain/billing"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/internal/infrastructure/storage/postgres/auth_repo"
	"worktally/pkg/logger"
)

type command struct {
	usage string
	run   func(ctx context.Context, deps *bootstrap.Deps, args []string) error
}

var commands = map[string]command{
	"list":             {"list", listTenants},
	"suspend":          {"suspend <slug>", setStatus(tenant.StatusSuspended)},
	"activate":         {"activate <slug>", setStatus(tenant.StatusActive)},
	"deactivate":       {"deactivate <slug> [--delete-after 720h]", deactivateTenant},
	"set-db":           {"set-db <slug> --host H [--port 5432] --name DB [--user U] [--password P]", setDatabase},
	"invalidate-cache": {"invalidate-cache <slug>", invalidateCache},
	"issue-token":      {"issue-token <slug|--central> --user ID [--name N] [--abilities a,b] [--ttl 720h]", issueToken},
	"start-trial":      {"start-trial <slug> --plan team [--users 10]", startTrial},

	"activate-subscription": {"activate-subscription <slug>", changeSubscription("activate-subscription", (*billing.Service).Activate)},
	"pause-subscription":    {"pause-subscription <slug>", changeSubscription("pause-subscription", (*billing.Service).Pause)},
	"resume-subscription":   {"resume-subscription <slug>", changeSubscription("resume-subscription", (*billing.Service).Resume)},
	"cancel-subscription":   {"cancel-subscription <slug>", changeSubscription("cancel-subscription", (*billing.Service).Cancel)},
}

var commandOrder = []string{
	"list", "suspend", "activate", "deactivate", "set-db", "invalidate-cache", "issue-token",
	"start-trial", "activate-subscription", "pause-subscription", "resume-subscription", "cancel-subscription",
}

func main() {
	if len(os.Args) < 2 || isHelp(os.Args[1]) {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("invalid configuration: %v", err)
	}
	cfg.LogLevel = "warn"
	log, err := logger.New(cfg.Logger())
	if err != nil {
		fail("failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(logger.WithLogger(context.Background(), log), time.Minute)
	defer cancel()

	// No collectors: the CLI is short-lived.
	deps, err := bootstrap.New(ctx, cfg, log, nil)
	if err != nil {
		fail("connect: %v", err)
	}
	defer deps.Close()

	if err := cmd.run(ctx, deps, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: tenant %s\n", cmd.usage)
		deps.Close()
		os.Exit(1)
	}
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

func printUsage() {
	fmt.Println(`Worktally Tenant Management CLI

Usage:
  tenant <command> [options]

Commands:`)
	for _, name := range commandOrder {
		fmt.Printf("  %s\n", commands[name].usage)
	}
	fmt.Println(`
Environment Variables:
  CENTRAL_DATABASE_URL  Connection string for the central database (required)
  TENANT_SECRET_KEY     Base64 key used to encrypt tenant database passwords
  REDIS_ADDR            Registry cache to invalidate (optional)`)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// parse splits "<slug> --flag value" argument lists; the slug may appear
// before or after the flags.
func parse(fs *flag.FlagSet, args []string) (string, error) {
	var slug string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		slug, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if slug == "" && fs.NArg() > 0 {
		slug = fs.Arg(0)
	}
	return tenant.NormalizeSlug(slug), nil
}

func lookup(ctx context.Context, deps *bootstrap.Deps, slug string) (*tenant.Tenant, error) {
	if slug == "" {
		return nil, fmt.Errorf("tenant slug is required")
	}
	t, err := deps.Registry.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: %w", slug, err)
	}
	return t, nil
}

func listTenants(ctx context.Context, deps *bootstrap.Deps, _ []string) error {
	tenants, err := deps.Registry.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		fmt.Println("No tenants found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-30s %-20s %-12s %-12s\n", "TENANT_ID", "SLUG", "NAME", "DATABASE", "PLAN", "STATUS")
	fmt.Println(strings.Repeat("-", 135))
	for _, t := range tenants {
		db := t.DBName
		if !t.HasDatabase() {
			db = "(none)"
		}
		fmt.Printf("%-36s %-20s %-30s %-20s %-12s %-12s\n",
			truncate(t.ID, 36),
			truncate(t.Slug, 20),
			truncate(t.Name, 30),
			truncate(db, 20),
			t.Plan,
			t.Status,
		)
	}
	return nil
}

func setStatus(status tenant.Status) func(context.Context, *bootstrap.Deps, []string) error {
	return func(ctx context.Context, deps *bootstrap.Deps, args []string) error {
		slug, err := parse(flag.NewFlagSet(string(status), flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		t, err := lookup(ctx, deps, slug)
		if err != nil {
			return err
		}
		if err := deps.Registry.UpdateStatus(ctx, t.ID, status, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Tenant '%s' is now %s\n", t.Slug, status)
		return nil
	}
}

func deactivateTenant(ctx context.Context, deps *bootstrap.Deps, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	after := fs.Duration("delete-after", 0, "schedule deletion after this long (0 = never)")
	slug, err := parse(fs, args)
	if err != nil {
		return err
	}
	t, err := lookup(ctx, deps, slug)
	if err != nil {
		return err
	}

	var deletion *time.Time
	if *after > 0 {
		at := time.Now().UTC().Add(*after)
		deletion = &at
	}
	if err := deps.Registry.UpdateStatus(ctx, t.ID, tenant.StatusDeactivated, deletion); err != nil {
		return err
	}
	fmt.Printf("✓ Tenant '%s' deactivated\n", t.Slug)
	if deletion != nil {
		fmt.Printf("  Deletion scheduled for %s\n", deletion.Format(time.RFC3339))
	}
	return nil
}

func setDatabase(ctx context.Context, deps *bootstrap.Deps, args []string) error {
	fs := flag.NewFlagSet("set-db", flag.ContinueOnError)
	host := fs.String("host", "", "database host")
	port := fs.Int("port", 5432, "database port")
	name := fs.String("name", "", "database name")
	user := fs.String("user", "", "database user (empty = TENANT_DB_USER)")
	password := fs.String("password", "", "database password (empty = TENANT_DB_PASSWORD)")
	slug, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *host == "" || *name == "" {
		return fmt.Errorf("--host and --name are required")
	}
	t, err := lookup(ctx, deps, slug)
	if err != nil {
		return err
	}

	var enc string
	if *password != "" {
		if deps.Secrets == nil {
			return fmt.Errorf("TENANT_SECRET_KEY is required to store a password")
		}
		if enc, err = deps.Secrets.Encrypt(t.ID, *password); err != nil {
			return err
		}
	}

	d := tenant.Descriptor{Host: *host, Port: *port, Name: *name, User: *user}
	if err := deps.Registry.UpdateDatabase(ctx, t.ID, d, enc); err != nil {
		return err
	}
	deps.Tenants.Invalidate(t.ID)
	fmt.Printf("✓ Tenant '%s' now uses %s:%d/%s\n", t.Slug, *host, *port, *name)
	return nil
}

func invalidateCache(ctx context.Context, deps *bootstrap.Deps, args []string) error {
	slug, err := parse(flag.NewFlagSet("invalidate-cache", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if deps.RegistryCache == nil {
		fmt.Println("Registry cache disabled (REDIS_ADDR not set), nothing to do")
		return nil
	}
	if err := deps.RegistryCache.InvalidateSlug(ctx, slug); err != nil {
		return err
	}
	if t, err := deps.Registry.GetBySlug(ctx, slug); err == nil {
		if err := deps.RegistryCache.Invalidate(ctx, t.ID); err != nil {
			return err
		}
	}
	fmt.Printf("✓ Cache entries for '%s' dropped\n", slug)
	return nil
}

func issueToken(ctx context.Context, deps *bootstrap.Deps, args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	central := fs.Bool("central", false, "issue a central (admin) token")
	userID := fs.String("user", "", "user ID")
	name := fs.String("name", "cli", "token name")
	abilities := fs.String("abilities", "*", "comma-separated abilities")
	ttl := fs.Duration("ttl", 0, "token lifetime (0 = no expiry)")
	slug, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	var db tenant.DB = deps.Central
	if !*central {
		if slug == "" {
			return fmt.Errorf("tenant slug or --central is required")
		}
		h, err := deps.Tenants.Route(ctx, slug)
		if err != nil {
			return fmt.Errorf("route tenant %q: %w", slug, err)
		}
		tc := postgres.NewTenantContext(h)
		defer tc.Close()
		db = tc.DB()
	}

	store := auth_repo.Factory(db)
	user, err := store.FindUser(ctx, *userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", *userID, err)
	}
	if !user.IsActive {
		return fmt.Errorf("user %s is inactive", user.Email)
	}

	plain, tok, err := auth.NewToken(user.ID, *name, splitList(*abilities), *ttl)
	if err != nil {
		return err
	}
	if err := store.CreateToken(ctx, tok); err != nil {
		return err
	}
	fmt.Printf("✓ Token issued for %s\n", user.Email)
	fmt.Printf("  %s\n", plain)
	fmt.Println("  Store it now; it cannot be shown again.")
	return nil
}

func startTrial(ctx context.Context, deps *bootstrap.Deps, args []string) error {
	fs := flag.NewFlagSet("start-trial", flag.ContinueOnError)
	planName := fs.String("plan", string(billing.PlanTeam), "plan tier")
	users := fs.Int("users", 0, "seat limit (0 = unlimited)")
	period := fs.Duration("period", deps.Config.Billing.TrialPeriod, "trial length")
	slug, err := parse(fs, args)
	if err != nil {
		return err
	}
	plan, err := billing.ParsePlan(*planName)
	if err != nil {
		return err
	}
	t, err := lookup(ctx, deps, slug)
	if err != nil {
		return err
	}

	var limit *int
	if *users > 0 {
		limit = users
	}
	sub, err := deps.Billing.StartTrial(ctx, t.ID, plan, limit, *period)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Trial started for '%s'\n", t.Slug)
	fmt.Printf("  Plan: %s\n", sub.Plan)
	if sub.TrialEndsAt != nil {
		fmt.Printf("  Ends: %s\n", sub.TrialEndsAt.Format(time.RFC3339))
	}
	return nil
}

// subscriptionChange is a billing.Service status operation.
type subscriptionChange func(*billing.Service, context.Context, string) (*billing.Subscription, error)

func changeSubscription(name string, change subscriptionChange) func(context.Context, *bootstrap.Deps, []string) error {
	return func(ctx context.Context, deps *bootstrap.Deps, args []string) error {
		slug, err := parse(flag.NewFlagSet(name, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		t, err := lookup(ctx, deps, slug)
		if err != nil {
			return err
		}
		return applySubscriptionChange(ctx, os.Stdout, deps.Billing, t, change)
	}
}

func applySubscriptionChange(ctx context.Context, w io.Writer, svc *billing.Service, t *tenant.Tenant, change subscriptionChange) error {
	sub, err := change(svc, ctx, t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Subscription of '%s' is now %s\n", t.Slug, sub.Status)
	if sub.NextRenewalAt != nil && sub.Status == billing.StatusActive {
		fmt.Fprintf(w, "  Next renewal: %s\n", sub.NextRenewalAt.Format(time.RFC3339))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
