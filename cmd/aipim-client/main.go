// ABOUTME: Command-line consumer for an aipim gateway: key generation, enrollment and signed calls
// ABOUTME: Every call checks the gateway's response signature before printing the body

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/client"
	"github.com/2389/aipim-gateway/internal/cryptoops"
)

var flagURL = &cli.StringFlag{
	Name:    "url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "gateway base URL",
	EnvVars: []string{"AIPIM_URL"},
}

var flagAPI = &cli.StringFlag{
	Name:     "api",
	Usage:    "API aggregate name",
	EnvVars:  []string{"AIPIM_API"},
	Required: true,
}

var flagAPIVersion = &cli.StringFlag{
	Name:    "api-version",
	Value:   "1.0.0",
	Usage:   "API aggregate version",
	EnvVars: []string{"AIPIM_API_VERSION"},
}

var flagClient = &cli.StringFlag{
	Name:     "client",
	Usage:    "client id",
	EnvVars:  []string{"AIPIM_CLIENT"},
	Required: true,
}

var flagKey = &cli.StringFlag{
	Name:     "key",
	Usage:    "access key returned by enroll",
	EnvVars:  []string{"AIPIM_KEY"},
	Required: true,
}

var flagPrivate = &cli.StringFlag{
	Name:  "private",
	Value: "aipim.key.pem",
	Usage: "path to the PEM private key",
}

var flagPublic = &cli.StringFlag{
	Name:  "public",
	Value: "aipim.pub.pem",
	Usage: "path to the PEM public key",
}

var flagPassphrase = &cli.StringFlag{
	Name:    "passphrase",
	Usage:   "passphrase protecting the private key",
	EnvVars: []string{"AIPIM_PASSPHRASE"},
}

var flagVerbose = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "log requests to stderr",
}

func main() {
	app := &cli.App{
		Name:  "aipim-client",
		Usage: "enroll with and call an aipim gateway",
		Flags: []cli.Flag{flagURL, flagVerbose},
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate an RSA key pair",
				Flags: []cli.Flag{
					flagPrivate,
					flagPublic,
					flagPassphrase,
					&cli.IntFlag{Name: "bits", Value: 2048, Usage: "RSA modulus size"},
				},
				Action: runKeygen,
			},
			{
				Name:  "enroll",
				Usage: "register the key pair with the gateway and print the access key",
				Flags: []cli.Flag{
					flagAPI,
					flagClient,
					flagPrivate,
					flagPublic,
					flagPassphrase,
					&cli.StringSliceFlag{Name: "ip", Usage: "allowed source address or CIDR (repeatable)"},
				},
				Action: runEnroll,
			},
			{
				Name:      "call",
				Usage:     "call a declared endpoint and print the verified response",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					flagAPI,
					flagAPIVersion,
					flagClient,
					flagKey,
					flagPublic,
					&cli.StringFlag{Name: "verb", Value: "GET", Usage: "GET or POST"},
					&cli.StringFlag{Name: "data", Usage: "request body for POST"},
					&cli.StringFlag{Name: "content-type", Value: "application/json", Usage: "request content type"},
				},
				Action: runCall,
			},
			{
				Name:  "verify",
				Usage: "check a response signature offline",
				Flags: []cli.Flag{
					flagAPI,
					flagAPIVersion,
					flagClient,
					flagKey,
					flagPublic,
					&cli.StringFlag{Name: "signature", Usage: "base64 signature", Required: true},
				},
				Action: runVerify,
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) (*client.Client, error) {
	level := slog.LevelWarn
	if cCtx.Bool(flagVerbose.Name) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.New(cCtx.String(flagURL.Name), cCtx.String(flagAPI.Name), cCtx.String(flagAPIVersion.Name), client.WithLogger(logger))
}

func readPEM(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func credentials(cCtx *cli.Context) (client.Credentials, error) {
	pub, err := readPEM(cCtx.String(flagPublic.Name))
	if err != nil {
		return client.Credentials{}, err
	}
	return client.Credentials{
		ClientID:  cCtx.String(flagClient.Name),
		AccessKey: cCtx.String(flagKey.Name),
		PublicPEM: pub,
	}, nil
}

func runKeygen(cCtx *cli.Context) error {
	kp, err := cryptoops.GenerateKeyPair(cCtx.Int("bits"), cCtx.String(flagPassphrase.Name))
	if err != nil {
		return err
	}
	privPath, pubPath := cCtx.String(flagPrivate.Name), cCtx.String(flagPublic.Name)
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		}
	}
	if err := os.WriteFile(privPath, []byte(kp.PrivatePEM), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicPEM), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	fmt.Printf("wrote %s and %s\n", privPath, pubPath)
	return nil
}

func runEnroll(cCtx *cli.Context) error {
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	priv, err := readPEM(cCtx.String(flagPrivate.Name))
	if err != nil {
		return err
	}
	pub, err := readPEM(cCtx.String(flagPublic.Name))
	if err != nil {
		return err
	}

	key, err := c.Enroll(cCtx.Context, client.EnrollRequest{
		ClientID:   cCtx.String(flagClient.Name),
		PrivatePEM: priv,
		PublicPEM:  pub,
		IP:         cCtx.StringSlice("ip"),
		Passphrase: cCtx.String(flagPassphrase.Name),
	})
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func runCall(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one endpoint path")
	}
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	creds, err := credentials(cCtx)
	if err != nil {
		return err
	}

	var body []byte
	if data := cCtx.String("data"); data != "" {
		body = []byte(data)
	}
	resp, err := c.Call(cCtx.Context, creds, cCtx.String("verb"), cCtx.Args().First(), cCtx.String("content-type"), body)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "signature verified (%s)\n", resp.ContentType)
	fmt.Println(string(resp.Body))
	return nil
}

func runVerify(cCtx *cli.Context) error {
	creds, err := credentials(cCtx)
	if err != nil {
		return err
	}
	message := auth.CanonicalString(cCtx.String(flagAPI.Name), creds.ClientID, creds.AccessKey, cCtx.String(flagAPIVersion.Name))
	ok, err := cryptoops.Verify(message, cCtx.String("signature"), creds.PublicPEM)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("signature is NOT valid", 1)
	}
	fmt.Println("signature is valid")
	return nil
}
