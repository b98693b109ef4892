// Package tenant provides tenant resolution and database routing for a
// database-per-tenant deployment. Each tenant has its own PostgreSQL database;
// the central database keeps the directory of tenants and their coordinates.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status represents tenant lifecycle state.
type Status string

const (
	// StatusActive - tenant can accept requests
	StatusActive Status = "active"

	// StatusSuspended - tenant is temporarily disabled (e.g., payment issues)
	StatusSuspended Status = "suspended"

	// StatusDeactivated - tenant is closed; rows are kept, deletion may be scheduled
	StatusDeactivated Status = "deactivated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeactivated:
		return true
	}
	return false
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidSlug reports whether s is a URL-safe tenant slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// NormalizeSlug lowercases and trims a raw identifier.
func NormalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Tenant represents a tenant record from the central database.
type Tenant struct {
	ID                  string         `db:"id" json:"id"`
	Slug                string         `db:"slug" json:"slug"`
	Name                string         `db:"name" json:"name"`
	Status              Status         `db:"status" json:"status"`
	Plan                string         `db:"plan" json:"plan"` // legacy mirror of subscriptions.plan
	DBHost              string         `db:"db_host" json:"db_host"`
	DBPort              int            `db:"db_port" json:"db_port"`
	DBName              string         `db:"db_name" json:"db_name"`
	DBUser              string         `db:"db_user" json:"db_user"`
	DBPasswordEnc       string         `db:"db_password_enc" json:"db_password_enc"`
	Settings            map[string]any `db:"settings" json:"settings"`
	ScheduledDeletionAt *time.Time     `db:"scheduled_deletion_at" json:"scheduled_deletion_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// IsActive returns true if tenant can accept requests.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// HasDatabase reports whether database coordinates are present.
func (t *Tenant) HasDatabase() bool {
	return t.DBHost != "" && t.DBName != ""
}

// Setting returns a string value from the settings bag.
func (t *Tenant) Setting(key string) string {
	if t.Settings == nil {
		return ""
	}
	v, _ := t.Settings[key].(string)
	return v
}

// Descriptor fully describes how to reach one tenant database.
type Descriptor struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN builds a PostgreSQL connection URL.
func (d Descriptor) DSN() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// Fingerprint identifies the descriptor. Any change (including a rotated
// password) yields a different value, which makes the router purge the old pool.
func (d Descriptor) Fingerprint() string {
	sum := sha256.Sum256([]byte(d.DSN()))
	return hex.EncodeToString(sum[:])
}

// String hides the password.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", d.User, d.Host, d.Port, d.Name)
}

// DB is the subset of *pgxpool.Pool handed out by the router.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}
