package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
)

func main() {
	templateID := flag.String("template", "", "grant template id")
	count := flag.Int("count", 1, "number of codes to generate")
	maxUses := flag.Int("max-uses", 1, "redemptions allowed per code")
	expiresIn := flag.Int("expires-in", 0, "days until the codes expire (0 uses CODE_EXPIRATION_DAYS)")
	createdBy := flag.String("created-by", "", "admin user id recorded on the codes")
	flag.Parse()

	tmplID, err := uuid.Parse(*templateID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: generate-codes -template <uuid> [-count n] [-max-uses n] [-expires-in days]")
		os.Exit(2)
	}

	req := credit.GenerateCodesRequest{
		TemplateID:    tmplID,
		Count:         *count,
		MaxUses:       *maxUses,
		ExpiresInDays: *expiresIn,
	}
	if *createdBy != "" {
		id, err := uuid.Parse(*createdBy)
		if err != nil {
			log.Fatalf("Invalid -created-by: %v", err)
		}
		req.CreatedBy = &id
	}

	cfg := config.Load()

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.ClosePostgres(db)

	catalog := credit.NewCatalog(credit.NewRepository(db, cfg.LockTimeout), nil, cfg.CodeExpirationDays)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	codes, err := catalog.GenerateCodes(ctx, req)
	if err != nil {
		log.Fatalf("Failed to generate codes: %v", err)
	}

	for _, c := range codes {
		fmt.Printf("%s\t%d\t%s\n", c.ID, c.MaxUses, c.CodeExpiresAt.Format(time.RFC3339))
	}
	log.Printf("Generated %d codes for template %s", len(codes), tmplID)
}
