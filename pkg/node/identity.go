package node

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// identityPath resolves the identity key file under dataDir, expanding
// environment variables and a leading "~".
func identityPath(dataDir string) string {
	identityFile := filepath.Join(os.ExpandEnv(dataDir), identityFileName)
	if strings.HasPrefix(identityFile, "~") {
		home, _ := os.UserHomeDir()
		identityFile = filepath.Join(home, identityFile[1:])
	}
	return identityFile
}

// loadOrCreateIdentity returns the Ed25519 key stored under dataDir, creating
// and saving one on first run. An empty dataDir yields an ephemeral key.
func loadOrCreateIdentity(dataDir string) (crypto.PrivKey, error) {
	if dataDir == "" {
		priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
		return priv, err
	}

	identityFile := identityPath(dataDir)
	if data, err := os.ReadFile(identityFile); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("corrupt identity file %s: %w", identityFile, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(identityFile), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(identityFile, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}
