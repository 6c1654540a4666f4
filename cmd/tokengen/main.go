// Command tokengen mints a bearer token against a local Ed25519 or RSA
// private key, for exercising the Authenticator in development and
// integration tests. It never runs as part of the server process.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/technosupport/ts-vms/internal/tokens"
)

func main() {
	keyPath := flag.String("key", "", "PEM-encoded Ed25519 or RSA private key (generates an ephemeral Ed25519 key if empty)")
	subject := flag.String("sub", "tokengen-client", "token subject")
	scopes := flag.String("scopes", "detections.write", "space-separated scopes")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	kid := flag.String("kid", "v1", "key id header")
	flag.Parse()

	signer, pubPEM, err := loadOrGenerateSigner(*keyPath, *kid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}

	token, err := signer.Issue(*subject, strings.Fields(*scopes), *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen: issue:", err)
		os.Exit(1)
	}

	fmt.Println(token)
	if pubPEM != nil {
		fmt.Fprintln(os.Stderr, "\n-- matching public key (write to the path AUTH.BearerPublicKeyPath names) --")
		fmt.Fprint(os.Stderr, string(pubPEM))
	}
}

// loadOrGenerateSigner loads a private key from path, or mints a fresh
// ephemeral Ed25519 key pair when path is empty, returning the PEM
// encoding of the matching public key so the caller can wire it into
// the server's verifier.
func loadOrGenerateSigner(path, kid string) (*tokens.Signer, []byte, error) {
	if path == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal public key: %w", err)
		}
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		return tokens.NewEd25519Signer(priv, kid), pubPEM, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return tokens.NewEd25519Signer(k, kid), nil, nil
	case *rsa.PrivateKey:
		return tokens.NewRSASigner(k, kid), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported private key type %T", key)
	}
}
