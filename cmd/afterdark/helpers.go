package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	afterdark "github.com/afterdark-app/afterdark-go"
)

// newLogger returns a development logger with --verbose and a no-op one
// otherwise.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// getClient creates an Afterdark client authenticated with the stored token.
func getClient() (*afterdark.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, errors.New("no auth token; run 'afterdark init <token>' first")
	}

	var opts []afterdark.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, afterdark.WithBaseURL(cfg.Default.BaseURL))
	}
	return afterdark.NewClient(cfg.Auth.Token, opts...), cfg, nil
}

// openStore opens the identity store backed by session.json in the config dir.
func openStore(logger *zap.Logger) (*afterdark.IdentityStore, *afterdark.FileStorage, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, nil, err
	}
	fs := afterdark.NewFileStorage(path)
	return afterdark.NewIdentityStore(fs, afterdark.NewBridge(logger), afterdark.WithStoreLogger(logger)), fs, nil
}

// requireSession returns the stored session or a hint to log in.
func requireSession(store *afterdark.IdentityStore) (*afterdark.Session, error) {
	sess := store.Get()
	if sess == nil {
		return nil, errors.New("no session; run 'afterdark login' first")
	}
	return sess, nil
}

// senderFunc resolves the acting identity for thread operations.
func senderFunc(store *afterdark.IdentityStore, resolver *afterdark.Resolver) func(context.Context) afterdark.Sender {
	return func(ctx context.Context) afterdark.Sender {
		s := afterdark.Sender{MessagingID: resolver.MessagingID(ctx)}
		if sess := store.Get(); sess != nil && sess.Active != nil {
			s.Entity = sess.Active.Ref()
		}
		return s
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
