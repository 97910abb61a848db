// Command token mints a bearer token signed with the server's JWT_SECRET.
// Operators use it to call the admin-only RPCs; end-user tokens come from the
// identity service.
//
//	token -user ops-1 -role admin -ttl 1h
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mmynk/partypay/internal/auth"
	"github.com/mmynk/partypay/internal/config"
	"github.com/mmynk/partypay/pkg/logging"
)

func main() {
	logging.Setup()

	userID := flag.String("user", "", "user id the token is issued to")
	role := flag.String("role", string(auth.RoleAdmin), "role claim: user or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if err := run(os.Stdout, *userID, auth.Role(*role), *ttl); err != nil {
		slog.Error("Failed to issue token", "error", err)
		os.Exit(1)
	}
}

func run(w io.Writer, userID string, role auth.Role, ttl time.Duration) error {
	if role != auth.RoleUser && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	token, err := auth.NewJWTManager(cfg.JWTSecret, ttl).Generate(userID, role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
