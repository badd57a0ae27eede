// Package credential finds the IMAP password: environment first, then an
// interactive prompt when asked for, then the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// EnvVar overrides every other source.
const EnvVar = "IMAP_PASS"

var ErrNoPassword = errors.New("no IMAP password found")

// Store is the part of a keyring the resolver reads.
type Store interface {
	Get(key string) (keyring.Item, error)
}

// Prompt asks the user for a password.
type Prompt func(label string) (string, error)

type Resolver struct {
	Getenv func(string) string
	Prompt Prompt
	// Open returns the keyring for a service name.
	Open func(service string) (Store, error)
}

// ServiceName is the keyring service holding the password for host, keyed by
// user. Store one with: keyring set imap_aex:<host> <user>
func ServiceName(host string) string {
	return "imap_aex:" + host
}

// Default resolves with the process environment, a terminal prompt and the
// system keyring.
func Default() *Resolver {
	return &Resolver{
		Getenv: os.Getenv,
		Prompt: TerminalPrompt,
		Open:   OpenKeyring,
	}
}

// Password returns the password for user at host. prompt forces the
// interactive prompt over the keyring.
func (r *Resolver) Password(host, user string, prompt bool) (string, error) {
	if r.Getenv != nil {
		if pass := r.Getenv(EnvVar); pass != "" {
			return pass, nil
		}
	}

	if prompt {
		if r.Prompt == nil {
			return "", fmt.Errorf("%w: no terminal to prompt on", ErrNoPassword)
		}
		pass, err := r.Prompt(fmt.Sprintf("Password for %s@%s: ", user, host))
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if pass == "" {
			return "", ErrNoPassword
		}
		return pass, nil
	}

	if r.Open == nil {
		return "", ErrNoPassword
	}
	ring, err := r.Open(ServiceName(host))
	if err != nil {
		return "", err
	}
	item, err := ring.Get(user)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: set %s, use --password, or store it with 'keyring set %s %s'", ErrNoPassword, EnvVar, ServiceName(host), user)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", user, err)
	}
	return string(item.Data), nil
}

// OpenKeyring returns the system keyring for service.
func OpenKeyring(service string) (Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// TerminalPrompt reads a password from stdin without echo.
func TerminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
