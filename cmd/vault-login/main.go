package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/keyhaven/keyhaven/pkg/accounts"
	"github.com/keyhaven/keyhaven/pkg/authrequest"
	"github.com/keyhaven/keyhaven/pkg/config"
	"github.com/keyhaven/keyhaven/pkg/devicetrust"
	"github.com/keyhaven/keyhaven/pkg/identity"
	"github.com/keyhaven/keyhaven/pkg/keyconnector"
	"github.com/keyhaven/keyhaven/pkg/keys"
	"github.com/keyhaven/keyhaven/pkg/loginflow"
	"github.com/keyhaven/keyhaven/pkg/policy"
	"github.com/keyhaven/keyhaven/pkg/sessionstore"
	"github.com/keyhaven/keyhaven/pkg/tokenstore"
	"github.com/keyhaven/keyhaven/pkg/twofactor"
)

func main() {
	var (
		email = flag.String("email", "", "account email")
		serve = flag.Bool("serve", false, "run a local fake identity server instead of logging in")
		addr  = flag.String("addr", ":8880", "listen address for -serve")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *serve {
		if err := runFakeIdentityServer(*addr, logger); err != nil {
			logger.Error("identity server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	if *email == "" {
		fmt.Fprintln(os.Stderr, "usage: vault-login -email user@example.com")
		os.Exit(2)
	}
	if err := run(cfg, *email, logger); err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, email string, logger *slog.Logger) error {
	ctx := context.Background()

	sessions, err := sessionstore.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	tokens, err := tokenstore.NewFileStore(cfg.Storage.DataDir, tokenstore.StaticTimeoutSettings{
		Action:   tokenstore.ActionLock,
		Duration: cfg.Session.TTL,
	})
	if err != nil {
		return err
	}

	idClient := identity.NewHTTPClient(cfg.Identity.BaseURL, cfg.Identity.ClientID, logger)
	crypto := keys.NewCryptoService()
	keyring := keys.NewKeyring()
	registry := accounts.NewMemoryRegistry(logger)
	trust := devicetrust.NewService(sessions, keyring, crypto,
		devicetrust.NewHTTPTrustAPI(cfg.Identity.BaseURL), logger)

	deps := loginflow.Dependencies{
		Identity:     idClient,
		Crypto:       crypto,
		Keyring:      keyring,
		Registry:     registry,
		Tokens:       tokens,
		Sessions:     sessions,
		TwoFactor:    twofactor.NewState(),
		Scorer:       policy.NewDefaultScorer(),
		DeviceTrust:  trust,
		KeyConnector: keyconnector.NewClient(crypto, keyring, registry, idClient, logger),
		AuthRequests: authrequest.NewService(sessions, crypto, keyring, logger),
		Device: identity.DeviceRequest{
			Type: cfg.Device.Type,
			Name: cfg.Device.Name,
		},
		SessionTTL:     cfg.Session.TTL,
		ActivationWait: cfg.Session.ActivationWait,
		Logger:         logger,
	}
	svc := loginflow.NewService(deps)

	password, err := prompt("master password: ")
	if err != nil {
		return err
	}

	res, err := svc.LogIn(ctx, loginflow.PasswordCredentials{
		Email:          email,
		MasterPassword: password,
	})
	if err != nil {
		return err
	}

	for res.RequiresTwoFactor {
		if res.MaskedEmail != "" {
			fmt.Printf("a verification code was sent to %s\n", res.MaskedEmail)
		}
		code, err := prompt("two-factor code: ")
		if err != nil {
			return err
		}
		provider := twofactor.ProviderAuthenticator
		if p, ok := deps.TwoFactor.DefaultProvider(); ok {
			provider = p
		}
		res, err = svc.LogInTwoFactor(ctx, loginflow.TwoFactorInput{
			Provider: provider,
			Token:    code,
			Remember: true,
		})
		if err != nil {
			return err
		}
	}

	switch {
	case res.RequiresDeviceVerification:
		return fmt.Errorf("new-device verification required; check your email and retry")
	case res.RequiresCaptcha:
		return fmt.Errorf("captcha required (site key %s); use a full client", res.CaptchaSiteKey)
	case res.RequiresEncryptionKeyMigration:
		return fmt.Errorf("this account requires an encryption key migration and cannot log in here")
	}

	fmt.Printf("logged in as %s (user %s)\n", email, res.UserID)
	if keyring.HasUserKey(res.UserID) {
		fmt.Println("vault unlocked: user key recovered")
	} else {
		fmt.Println("authenticated, but the vault stays locked on this device")
	}
	if res.ForcePasswordReset != accounts.ResetNone {
		fmt.Printf("note: a master password reset is required (%s)\n", res.ForcePasswordReset)
	}
	return nil
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
