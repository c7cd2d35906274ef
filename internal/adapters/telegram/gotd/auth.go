package gotd

import (
	"context"
	"syscall"

	"tg-forwarder/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalAuthenticator реализует auth.UserAuthenticator: код читается из
// терминала, пароль 2FA берётся из конфигурации или запрашивается без эха.
type TerminalAuthenticator struct {
	PhoneNumber string
	Password2FA string
}

func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	if t.PhoneNumber == "" {
		return pr.ReadLine("Phone number: ")
	}
	return t.PhoneNumber, nil
}

func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return pr.ReadLine("Enter the code from Telegram: ")
}

func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	if t.Password2FA != "" {
		return t.Password2FA, nil
	}
	pr.Print("Enter 2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(passwordBytes), nil
}

func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := pr.ReadLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp не поддерживается: пересыльщик работает только от существующего аккаунта.
func (t TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported, register the account in an official client")
}
