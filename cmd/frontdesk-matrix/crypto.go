// ABOUTME: End-to-end encryption for the Matrix adapter
// ABOUTME: Sets up the mautrix crypto helper and cross-signs the device with a recovery key

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// setupCrypto attaches an OLM machine to client so encrypted customer DMs
// decrypt transparently. The crypto database lives under dataDir, one file
// per bot account.
func setupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, "matrix-crypto-"+slugify(userID)+".db")
	logger.Info("setting up encryption", "db", dbPath)

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if recoveryKey == "" {
		logger.Info("encryption enabled without cross-signing")
		return helper, nil
	}
	machine := helper.Machine()
	if machine == nil {
		return helper, errors.New("crypto machine not initialized")
	}
	// Encryption still works unverified; customers just see a warning badge.
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}
	return helper, nil
}

// slugify makes a Matrix user ID safe for file names:
// @frontdesk:example.org -> frontdesk_example.org
func slugify(userID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':':
			return '_'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, strings.TrimPrefix(userID, "@"))
}

// storeKey derives the crypto store pickle key from the account.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("frontdesk-matrix-crypto:" + userID))
	return h[:]
}
