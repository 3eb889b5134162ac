package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/config"
)

const attesterKeyFile = "attester.key"

// prepareLiteMode creates the data directory and, when no attester key is
// configured, loads or generates a local one so offchain issuance works
// out of the box.
func prepareLiteMode(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.AttesterPrivateKey != "" {
		return nil
	}
	key, err := loadOrGenerateAttesterKey(filepath.Join(cfg.DataDir, attesterKeyFile))
	if err != nil {
		return err
	}
	cfg.AttesterPrivateKey = key
	if cfg.SafeDelegateKey == "" {
		cfg.SafeDelegateKey = key
	}
	return nil
}

func loadOrGenerateAttesterKey(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		keyHex := strings.TrimSpace(string(data))
		if _, err := crypto.HexToECDSA(keyHex); err != nil {
			return "", fmt.Errorf("invalid %s: %w", path, err)
		}
		return keyHex, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate attester key: %w", err)
	}
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(path, []byte(keyHex), 0600); err != nil {
		return "", fmt.Errorf("failed to save attester key: %w", err)
	}
	log.Printf("[credentiald] lite mode: generated attester key %s at %s", crypto.PubkeyToAddress(key.PublicKey).Hex(), path)
	return keyHex, nil
}
