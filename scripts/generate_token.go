// +build ignore

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"quantlab_backend/middleware"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run scripts/generate_token.go <subject> [role] [ttl]")
		fmt.Println("Example: go run scripts/generate_token.go ops-bot operator 720h")
		os.Exit(1)
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("JWT_SECRET is not set (environment or .env)")
		os.Exit(1)
	}

	subject := os.Args[1]
	role := "operator"
	if len(os.Args) > 2 {
		role = os.Args[2]
	}
	ttl := 24 * time.Hour
	if len(os.Args) > 3 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Printf("Invalid ttl %q: %v\n", os.Args[3], err)
			os.Exit(1)
		}
		ttl = d
	}

	token, err := middleware.IssueToken(secret, subject, role, ttl)
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject: %s\nRole: %s\nExpires: %s\n", subject, role, time.Now().Add(ttl).UTC().Format(time.RFC3339))
	fmt.Printf("Token: %s\n", token)
	fmt.Println("\nUse it with jobctl:")
	fmt.Printf("export QUANTLAB_TOKEN=%s\n", token)
}
