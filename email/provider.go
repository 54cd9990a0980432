// Package email sends coop invitations and side quest results via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// ErrInvalidAddress is returned before any provider call for a malformed recipient.
var ErrInvalidAddress = errors.New("invalid email address")

// Invite describes a coop invitation.
type Invite struct {
	CoopName    string
	JoinCode    string
	InviterName string
}

// Standing is one participant's line in a side quest result email.
type Standing struct {
	DisplayName      string
	Placement        int
	AccuracyPercent  float64
	TimeTakenSeconds float64
	XPAwarded        int
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// ValidAddress reports whether addr is a single bare email address.
func ValidAddress(addr string) bool {
	if len(addr) < 3 || len(addr) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

// SendCoopInvite emails a join code to a prospective coop member.
func (s *Sender) SendCoopInvite(ctx context.Context, to string, inv Invite) error {
	if !ValidAddress(to) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}

	subject := "Join " + inv.CoopName + " on Cooped"
	if inv.CoopName == "" {
		subject = "You're invited to a Cooped coop"
	}

	s.logger.Info("Sending coop invite email",
		"to", to,
		"coop", inv.CoopName)

	return s.provider.Send(ctx, to, subject, s.formatInviteBody(inv))
}

// SendSideQuestResults emails the final standings of a side quest to one member.
func (s *Sender) SendSideQuestResults(ctx context.Context, to, questTitle string, standings []Standing) error {
	if !ValidAddress(to) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}

	subject := "Side quest results: " + questTitle
	if questTitle == "" {
		subject = "Side quest results"
	}

	s.logger.Info("Sending side quest results email",
		"to", to,
		"quest", questTitle,
		"participants", len(standings))

	return s.provider.Send(ctx, to, subject, s.formatResultsBody(questTitle, standings))
}
