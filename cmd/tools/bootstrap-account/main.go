// Command bootstrap-account seeds a streaming account in the datastore and
// prints its stream key. Running it again for an existing username rotates
// the key instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/storage"
)

func main() {
	var (
		jsonPath       string
		postgresDSN    string
		username       string
		email          string
		plan           string
		recordingLimit string
		streamingLimit string
		viewingLimit   string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&username, "username", "", "Username for the account")
	flag.StringVar(&email, "email", "", "Email address for the account")
	flag.StringVar(&plan, "plan", "starter", "Plan name recorded on the account")
	flag.StringVar(&recordingLimit, "recording-limit", "", "Recording storage limit in bytes")
	flag.StringVar(&streamingLimit, "streaming-limit", "", "Monthly streaming limit in bytes")
	flag.StringVar(&viewingLimit, "viewing-limit", "", "Monthly viewing limit in bytes (defaults to the streaming limit)")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(username) == "" {
		fatalf("--username is required")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}

	recording, err := parseByteCount(recordingLimit)
	if err != nil {
		fatalf("invalid --recording-limit: %v", err)
	}
	streaming, err := parseByteCount(streamingLimit)
	if err != nil {
		fatalf("invalid --streaming-limit: %v", err)
	}
	var viewing *models.ByteCount
	if strings.TrimSpace(viewingLimit) != "" {
		parsed, err := parseByteCount(viewingLimit)
		if err != nil {
			fatalf("invalid --viewing-limit: %v", err)
		}
		viewing = &parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	account, streamKey, created, err := bootstrapAccount(ctx, repo, storage.CreateAccountParams{
		Username:       strings.TrimSpace(username),
		Email:          strings.TrimSpace(email),
		Plan:           strings.TrimSpace(plan),
		RecordingLimit: recording,
		StreamingLimit: streaming,
		ViewingLimit:   viewing,
	})
	if err != nil {
		fatalf("bootstrap account: %v", err)
	}

	state := "key rotated"
	if created {
		state = "created"
	}
	fmt.Printf("Account %s (%s) %s.\n", account.Username, account.ID, state)
	fmt.Printf("Stream key: %s\n", streamKey)
	fmt.Println("Store this key now; it cannot be recovered later.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseByteCount(value string) (models.ByteCount, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("a byte count is required")
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	return models.ByteCount(parsed), nil
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, postgresDSN)
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

func bootstrapAccount(ctx context.Context, repo storage.Repository, params storage.CreateAccountParams) (models.Account, string, bool, error) {
	account, streamKey, err := repo.CreateAccount(ctx, params)
	if err == nil {
		return account, streamKey, true, nil
	}
	if !errors.Is(err, storage.ErrDuplicateUsername) {
		return models.Account{}, "", false, err
	}

	existing, ok := findAccountByUsername(ctx, repo, params.Username)
	if !ok {
		return models.Account{}, "", false, err
	}
	streamKey, err = repo.RotateStreamKey(ctx, existing.ID)
	if err != nil {
		return models.Account{}, "", false, err
	}
	return existing, streamKey, false, nil
}

func findAccountByUsername(ctx context.Context, repo storage.Repository, username string) (models.Account, bool) {
	accounts, err := repo.ListAccounts(ctx)
	if err != nil {
		return models.Account{}, false
	}
	target := strings.ToLower(strings.TrimSpace(username))
	for _, account := range accounts {
		if strings.ToLower(account.Username) == target {
			return account, true
		}
	}
	return models.Account{}, false
}
