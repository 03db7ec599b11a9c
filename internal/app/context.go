package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tphakala/recordmigrate/internal/api/middleware"
	"github.com/tphakala/recordmigrate/internal/buildinfo"
	"github.com/tphakala/recordmigrate/internal/conf"
)

// Context is shared by the CLI commands. Settings is filled in once the
// root command has parsed its flags.
type Context struct {
	Build    *buildinfo.Context
	Settings *conf.Settings
}

// NewContext creates a Context for a build.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{Build: build}
}

// Open wires an App from the loaded settings.
func (c *Context) Open(ctx context.Context, opts ...Option) (*App, error) {
	return New(ctx, c.Settings, c.Build.Version(), opts...)
}

// With opens an App for the duration of fn.
func (c *Context) With(ctx context.Context, fn func(*App) error) error {
	a, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

// TenantEnv supplies the default --tenant value of the CLI.
const TenantEnv = "RECORDMIGRATE_TENANT"

// RequireTenant rejects an empty tenant flag.
func RequireTenant(tenant string) error {
	switch {
	case tenant == "":
		return fmt.Errorf("--tenant or %s is required", TenantEnv)
	case !middleware.ValidTenant(tenant):
		return fmt.Errorf("invalid tenant id %q", tenant)
	}
	return nil
}

// Print writes v as indented JSON.
func Print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
