package main

import (
	"fmt"
	"os"

	"github.com/openclaw/consult-server-go/internal/util"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "new":
		token, err := util.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		hash, err := util.HashSecret(token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("token: %s\nADMIN_TOKEN_HASH=%s\n", token, hash)

	case "sign":
		// Mints an actor token for local testing.
		if len(os.Args) != 4 {
			usage()
		}
		secret := os.Getenv("AUTH_TOKEN_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "Error: AUTH_TOKEN_SECRET is not set")
			os.Exit(1)
		}
		fmt.Println(util.SignActorToken(secret, os.Args[2], os.Args[3]))

	default:
		hash, err := util.HashSecret(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-token.go <admin-token>\n")
	fmt.Fprintf(os.Stderr, "       go run scripts/hash-token.go new\n")
	fmt.Fprintf(os.Stderr, "       go run scripts/hash-token.go sign <actor-id> <role>\n")
	os.Exit(1)
}
