package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/api"
)

// setup-keys mints an operator token for the mutating API routes.
func main() {
	operator := flag.String("operator", "", "operator name recorded on approvals and parameter changes")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	flag.Parse()

	_ = godotenv.Load()
	secret := strings.TrimSpace(os.Getenv("GATEKEEPER_JWT_SECRET"))
	if secret == "" {
		logrus.Fatal("set GATEKEEPER_JWT_SECRET to the api.jwt_secret of the running service")
	}
	if strings.TrimSpace(*operator) == "" {
		logrus.Fatal("-operator is required")
	}

	token, err := api.IssueToken(secret, strings.TrimSpace(*operator), *ttl)
	if err != nil {
		logrus.WithError(err).Fatal("issue token")
	}

	fmt.Println("=== operator token ===")
	fmt.Println()
	fmt.Printf("export GATEKEEPER_TOKEN=\"%s\"\n", token)
	fmt.Println()
	fmt.Println("Send it as: Authorization: Bearer $GATEKEEPER_TOKEN")
	if *ttl > 0 {
		fmt.Printf("Expires: %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	}
}
