package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
)

func main() {
	userID := flag.String("user", "", "user id (random when empty)")
	role := flag.String("role", jwt.RoleUser, "token role: user or admin")
	flag.Parse()

	if *role != jwt.RoleUser && *role != jwt.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	id := uuid.New()
	if *userID != "" {
		parsed, err := uuid.Parse(*userID)
		if err != nil {
			log.Fatalf("Invalid -user: %v", err)
		}
		id = parsed
	}

	cfg := config.Load()
	token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(id, *role)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	log.Printf("user=%s role=%s ttl=%s", id, *role, cfg.JWTAccessTTL)
	fmt.Println(token)
}
