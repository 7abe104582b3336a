// Command swi-signing-service is a reference implementation of the signing
// service swi-signature calls when it has neither a signature file nor a
// local key. It signs a prehashed SHA-256 digest with a development key and
// writes the base64-encoded signature to a file.
//
// Usage:
//
//	swi-signing-service <sha256-string> <file-to-hold-signed-sha256-string>
//
// The signing key is read from $SWI_SIGNING_KEY, falling back to
// /etc/swi-signing-devCA/signing.key.
package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/swi-tools/swi-tools/internal/signing"
)

const (
	// EnvSigningKey overrides the development key location.
	EnvSigningKey = "SWI_SIGNING_KEY"

	defaultKeyPath = "/etc/swi-signing-devCA/signing.key"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <sha256-string> <file-to-hold-signed-sha256-string>\n", os.Args[0])
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(digestHex, outPath string) error {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return fmt.Errorf("invalid sha256 digest %q: %w", digestHex, err)
	}
	if len(digest) != sha256.Size {
		return fmt.Errorf("invalid sha256 digest %q: got %d bytes, want %d", digestHex, len(digest), sha256.Size)
	}

	keyPath := os.Getenv(EnvSigningKey)
	if keyPath == "" {
		keyPath = defaultKeyPath
	}
	key, err := signing.LoadPrivateKey(keyPath)
	if err != nil {
		return fmt.Errorf("cannot load signing key %s: %w", keyPath, err)
	}

	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(signature)
	if err := os.WriteFile(outPath, []byte(encoded), 0o644); err != nil {
		return fmt.Errorf("cannot write signature to %s: %w", outPath, err)
	}
	return nil
}
