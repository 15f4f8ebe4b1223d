// Package main issues operator bearer tokens for the API.
//
// Usage:
//
//	opstoken -operator alice@example.com [-ttl 12h]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/delaywatch/delaywatch/internal/auth"
	"github.com/delaywatch/delaywatch/internal/config"
)

func main() {
	_ = godotenv.Load()

	operator := flag.String("operator", "", "operator identity placed in the token (required)")
	ttl := flag.Duration("ttl", auth.DefaultTokenExpiry, "token lifetime")
	flag.Parse()

	if *operator == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.FromEnv()
	if cfg.Auth.SigningKey == "" {
		fmt.Fprintln(os.Stderr, "JWT_SIGNING_KEY must be set")
		os.Exit(1)
	}

	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Expiry:     *ttl,
	})

	token, expiresAt, err := svc.GenerateAccessToken(*operator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
}
