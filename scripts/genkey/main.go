// genkey generates an Ed25519 key pair for Kanshi JWT signing.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point KANSHI_JWT_PRIVATE_KEY and KANSHI_JWT_PUBLIC_KEY at these files.
// Without them the server generates an ephemeral pair on every start, which
// invalidates all issued tokens on restart.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/kanshi/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "output directory")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", *dir, err)
		os.Exit(1)
	}

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")
	if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\ndelete existing keys first if you want to rotate them\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
}
