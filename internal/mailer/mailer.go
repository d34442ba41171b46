// Package mailer delivers sign-in emails over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

type Config struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	From     string `env:"SMTP_FROM" envDefault:"no-reply@localhost"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	TLS      bool   `env:"SMTP_TLS" envDefault:"true"`
}

// Enabled reports whether an SMTP host is configured.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// SignIn is the content of one sign-in email.
type SignIn struct {
	Email string
	Name  string
	Code  string
}

type Mailer struct {
	conf Config
}

func New(conf Config) *Mailer {
	return &Mailer{conf: conf}
}

// Send dials the SMTP server and delivers a single sign-in email.
func (m *Mailer) Send(ctx context.Context, s SignIn) error {
	msg, err := m.message(s)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(m.conf.Port),
	}
	if m.conf.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.conf.Username),
			mail.WithPassword(m.conf.Password),
		)
	}
	if m.conf.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(m.conf.Host, opts...)
	if err != nil {
		return fmt.Errorf("sign-in email: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sign-in email: %w", err)
	}
	return nil
}

func (m *Mailer) message(s SignIn) (*mail.Msg, error) {
	if s.Email == "" {
		return nil, errors.New("sign-in email: no recipient")
	}

	msg := mail.NewMsg()
	if err := msg.From(m.conf.From); err != nil {
		return nil, fmt.Errorf("sign-in email: set from: %w", err)
	}

	// Strip CR/LF so a name cant inject headers.
	name := strings.NewReplacer("\r", "", "\n", "").Replace(s.Name)
	if err := msg.AddToFormat(name, s.Email); err != nil {
		return nil, fmt.Errorf("sign-in email: set to: %w", err)
	}
	msg.Subject("Your sign-in code")
	msg.SetBodyString(mail.TypeTextPlain, body(name, s.Code))

	return msg, nil
}

func body(name, code string) string {
	greeting := "Hi,"
	if name != "" {
		greeting = fmt.Sprintf("Hi %s,", name)
	}
	return fmt.Sprintf("%s\n\nYour sign-in code is %s.\n\nIf you did not try to sign in, you can ignore this email.\n", greeting, code)
}
