// Command synctoken mints a bearer token for a station operator from the
// shared sync secret.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/noah-isme/election-sync/internal/models"
	"github.com/noah-isme/election-sync/internal/service"
)

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

func main() {
	if err := run(os.Args[1:], os.Getenv("JWT_SECRET"), os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "synctoken:", err)
		os.Exit(1)
	}
}

func run(args []string, envSecret string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("synctoken", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "operator user id")
	role := fs.String("role", string(models.RoleOperator), "SUPERADMIN, ADMIN or OPERATOR")
	station := fs.String("station", "", "station id embedded in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	issuer := fs.String("issuer", "election-sync", "token issuer")
	prompt := fs.Bool("prompt", false, "read the secret from the terminal even when JWT_SECRET is set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := envSecret
	if *prompt || secret == "" {
		var err error
		if secret, err = promptSecret(stderr); err != nil {
			return err
		}
	}
	if secret == "" {
		return errors.New("shared secret is empty")
	}

	auth := service.NewAuthService(validator.New(), nil, service.AuthConfig{Secret: secret, Issuer: *issuer})
	token, expires, err := auth.IssueToken(models.IssueTokenRequest{
		UserID:    *user,
		Role:      models.UserRole(strings.ToUpper(*role)),
		StationID: *station,
		TTL:       *ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "token expires at %s\n", expires.Format(time.RFC3339))
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func promptSecret(w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Shared secret: "); err != nil {
		return "", err
	}
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
