// Package main is a development utility that prints a fresh ENCRYPTION_KEY
// plus a tenant API key with its bcrypt hash and lookup prefix pre-computed.
// The SQL statement it emits seeds a usable key in a local database without
// going through the admin API. Development only; real tenants are created
// through POST /api/users so the plaintext key is returned exactly once.
package main

import (
	"encoding/base64"
	"fmt"
	"log"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/crypto"
)

func main() {
	encKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	key, hash, prefix, err := auth.GenerateAPIKey("dev")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Development credentials")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_KEY: %s\n", base64.StdEncoding.EncodeToString(encKey))
	fmt.Printf("\nAPI Key: %s\n", key)
	fmt.Printf("\nHash: %s\n", hash)
	fmt.Printf("\nPrefix: %s\n", prefix)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL seed:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO users (name, api_key_hash, api_key_prefix, used_tokens, enabled, created_at)
VALUES ('dev', '%s', '%s', 0, 1, strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'));
`, hash, prefix)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", key)
	fmt.Println("==========================================================")
}
