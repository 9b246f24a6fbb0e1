package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kevin07696/checkout-authorizer/internal/adapters/secrets"
	"github.com/kevin07696/checkout-authorizer/internal/config"
	"github.com/kevin07696/checkout-authorizer/internal/services/authorization"
)

func main() {
	storeCode := flag.String("store", "default", "store code to provision")
	publicKey := flag.String("public-key", "", "store public key (generated when empty)")
	gatewayKey := flag.String("gateway-key", "", "gateway secret key to store at GATEWAY_SECRET_KEY_PATH")
	withQuote := flag.Bool("quote", true, "insert a demo quote and shipping rates")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sm, err := secrets.NewSecretManager(ctx, cfg.Secrets, logger)
	if err != nil {
		logger.Fatal("Failed to initialize secret manager", zap.Error(err))
	}

	key := *publicKey
	if key == "" {
		key = "pk_" + randomHex(24)
	}

	metadata := map[string]string{
		"wallet_enabled": strconv.FormatBool(cfg.Store.WalletEnabled),
	}
	if cfg.Store.SuccessURL != "" {
		metadata["success_url"] = cfg.Store.SuccessURL
	}
	if cfg.Store.FailureURL != "" {
		metadata["failure_url"] = cfg.Store.FailureURL
	}

	if _, err := sm.PutSecret(ctx, authorization.StorePublicKeyPath(*storeCode), key, metadata); err != nil {
		logger.Fatal("Failed to store public key", zap.String("store", *storeCode), zap.Error(err))
	}

	if *gatewayKey != "" {
		if _, err := sm.PutSecret(ctx, cfg.Gateway.SecretKeyPath, *gatewayKey, nil); err != nil {
			logger.Fatal("Failed to store gateway secret key", zap.Error(err))
		}
	}

	var quoteID int64
	if *withQuote {
		pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString())
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		quoteID, err = seedQuote(ctx, pool, *storeCode)
		if err != nil {
			logger.Fatal("Failed to seed quote", zap.Error(err))
		}
	}

	fmt.Println("========================================")
	fmt.Println("SEED DATA CREATED SUCCESSFULLY")
	fmt.Println("========================================")
	fmt.Printf("  Store:      %s\n", *storeCode)
	fmt.Printf("  Public key: %s\n", key)
	if quoteID != 0 {
		fmt.Printf("  Quote ID:   %d\n", quoteID)
	}
	fmt.Println()
	fmt.Println("Send the public key as the Bearer token and the store")
	fmt.Println("code in X-Store-Code when calling the wallet endpoints.")
}

// seedQuote inserts shipping rates and an active quote ready for checkout
func seedQuote(ctx context.Context, pool *pgxpool.Pool, storeCode string) (int64, error) {
	rates := []struct {
		country, carrier, method, carrierTitle, methodTitle, price string
		sortOrder                                                  int
	}{
		{"*", "flatrate", "flatrate", "Flat Rate", "Fixed", "5.0000", 10},
		{"GB", "royalmail", "tracked48", "Royal Mail", "Tracked 48", "3.9500", 20},
		{"GB", "dpd", "nextday", "DPD", "Next Day", "7.5000", 30},
	}

	for _, r := range rates {
		if _, err := pool.Exec(ctx, `
			INSERT INTO shipping_rates (
				country_id, carrier_code, method_code, carrier_title,
				method_title, price, sort_order
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT ON CONSTRAINT uq_shipping_rates DO UPDATE SET
				price = EXCLUDED.price,
				active = TRUE
		`, r.country, r.carrier, r.method, r.carrierTitle, r.methodTitle, r.price, r.sortOrder); err != nil {
			return 0, fmt.Errorf("insert shipping rate %s_%s: %w", r.carrier, r.method, err)
		}
	}

	var quoteID int64
	err := pool.QueryRow(ctx, `
		INSERT INTO quotes (store_code, subtotal, grand_total, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, storeCode, "42.5000", "42.5000", "GBP").Scan(&quoteID)
	if err != nil {
		return 0, fmt.Errorf("insert quote: %w", err)
	}

	return quoteID, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(b)
}
