package main

import (
	"context"
	"fmt"
	"io"

	"github.com/phrazzld/soulsync/internal/auth"
	"github.com/phrazzld/soulsync/internal/config"
)

// mintToken handles the -mint-token flag by printing a signed operator
// token for subject.
func mintToken(ctx context.Context, cfg *config.Config, subject string, out io.Writer) error {
	if !cfg.AuthEnabled() {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	token, err := tokens.GenerateToken(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
