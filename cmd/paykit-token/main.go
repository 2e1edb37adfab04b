// Command paykit-token выпускает токен доступа к API от имени ключа узла.
//
//	paykit-token -seed <hex> [-ttl 15m]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/jwt"
)

func main() {
	seed := flag.String("seed", os.Getenv("PAYKIT_SEED_HEX"), "hex-encoded ed25519 seed")
	ttl := flag.Duration("ttl", 15*time.Minute, "token lifetime")
	flag.Parse()

	if *seed == "" {
		fmt.Fprintln(os.Stderr, "seed is required")
		os.Exit(2)
	}
	key, err := identity.KeypairFromHex(*seed)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid seed:", err)
		os.Exit(1)
	}
	token, err := jwt.NewJWTMaker(key, *ttl).GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate token:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "peer:", key.PublicKey())
	fmt.Println(token)
}
