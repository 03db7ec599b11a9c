package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/recordmigrate/internal/errors"
)

// Provider delivers notifications to one destination.
type Provider interface {
	GetName() string
	SupportsType(t Type) bool
	ValidateConfig() error
	Send(ctx context.Context, n *Notification) error
}

// ShoutrrrProvider sends via nicholas-fedor/shoutrrr
// Creates a single sender for multiple URLs.
type ShoutrrrProvider struct {
	name    string
	urls    []string
	types   map[Type]bool
	sender  *router.ServiceRouter
	timeout time.Duration
}

// NewShoutrrrProvider creates a provider for urls. An empty supportedTypes
// accepts every type.
func NewShoutrrrProvider(name string, urls []string, supportedTypes []Type, timeout time.Duration) *ShoutrrrProvider {
	sp := &ShoutrrrProvider{
		name:    strings.TrimSpace(name),
		urls:    slices.Clone(urls),
		types:   map[Type]bool{},
		timeout: timeout,
	}
	if sp.name == "" {
		sp.name = "shoutrrr"
	}
	if len(supportedTypes) == 0 {
		supportedTypes = []Type{TypeError, TypeWarning, TypeInfo}
	}
	for _, t := range supportedTypes {
		sp.types[t] = true
	}
	return sp
}

func (s *ShoutrrrProvider) GetName() string          { return s.name }
func (s *ShoutrrrProvider) SupportsType(t Type) bool { return s.types[t] }

// ValidateConfig builds the sender, which parses every URL.
func (s *ShoutrrrProvider) ValidateConfig() error {
	if len(s.urls) == 0 {
		return fmt.Errorf("at least one URL is required")
	}
	sender, err := shoutrrr.CreateSender(s.urls...)
	if err != nil {
		// URLs carry tokens; scrub them before the error leaves the package.
		return errors.Newf("invalid notification URL: %s", errors.ScrubMessage(err.Error())).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	s.sender = sender
	if s.timeout > 0 {
		s.sender.Timeout = s.timeout
	}
	s.sender.SetLogger(log.New(io.Discard, "", 0))
	return nil
}

// Send delivers n to every URL and returns the first failure.
func (s *ShoutrrrProvider) Send(ctx context.Context, n *Notification) error {
	if s.sender == nil {
		return fmt.Errorf("shoutrrr sender not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	for _, e := range s.sender.Send(n.Message, &params) {
		if e != nil {
			return errors.Newf("notification delivery failed: %s", errors.ScrubMessage(e.Error())).
				Component("notification").
				Category(errors.CategoryIntegration).
				Context("provider", s.name).
				Build()
		}
	}
	return nil
}
