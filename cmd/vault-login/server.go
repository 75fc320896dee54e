package main

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pquerna/otp/totp"

	"github.com/keyhaven/keyhaven/pkg/keys"
)

// fakeAccountConfig selects the single account the -serve mode knows
// about; FAKE_TOTP_SECRET additionally demands a second factor.
type fakeAccountConfig struct {
	Email      string `env:"FAKE_USER_EMAIL" env-default:"hello@world.com"`
	Password   string `env:"FAKE_USER_PASSWORD" env-default:"correct horse battery staple!"`
	TotpSecret string `env:"FAKE_TOTP_SECRET"`
}

type fakeAccount struct {
	fakeAccountConfig

	userID     uuid.UUID
	kdf        keys.KdfConfig
	serverHash string
	wrappedKey string
	privateKey string
	jwtSecret  []byte
}

func (a *fakeAccount) provision() error {
	a.userID = uuid.New()
	a.kdf = keys.KdfConfig{Type: keys.KdfPBKDF2SHA256, Iterations: 100000}
	a.jwtSecret = []byte(uuid.NewString())

	mk, err := keys.DeriveMasterKey(a.Password, a.Email, a.kdf)
	if err != nil {
		return err
	}
	a.serverHash, err = keys.HashMasterKey(a.Password, mk, keys.PurposeServerAuthorization)
	if err != nil {
		return err
	}

	uk, err := keys.GenerateUserKey()
	if err != nil {
		return err
	}
	stretched, err := keys.StretchKey(&mk.SymmetricKey)
	if err != nil {
		return err
	}
	wrapped, err := keys.EncryptWithKey(uk.Key, stretched)
	if err != nil {
		return err
	}
	pair, err := keys.MakeKeyPair(uk)
	if err != nil {
		return err
	}
	a.wrappedKey = wrapped.String()
	a.privateKey = pair.WrappedPrivateKey.String()
	return nil
}

func (a *fakeAccount) mintAccessToken() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":            a.userID.String(),
		"email":          a.Email,
		"name":           "Demo User",
		"email_verified": true,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	return token.SignedString(a.jwtSecret)
}

// runFakeIdentityServer serves just enough of the identity surface for a
// local password login, including an optional TOTP second factor.
func runFakeIdentityServer(addr string, logger *slog.Logger) error {
	cfg := fakeAccountConfig{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return err
	}
	account := &fakeAccount{fakeAccountConfig: cfg}
	if err := account.provision(); err != nil {
		return err
	}
	logger.Info("fake identity server ready",
		"addr", addr, "email", account.Email, "totp", account.TotpSecret != "")

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Route("/identity", func(r chi.Router) {
		r.Post("/connect/token", account.handleToken)
		r.Post("/accounts/prelogin", account.handlePrelogin)
		r.Post("/accounts/keys", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	return http.ListenAndServe(addr, r)
}

func (a *fakeAccount) handlePrelogin(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"kdf":           int(a.kdf.Type),
		"kdfIterations": a.kdf.Iterations,
	})
}

func (a *fakeAccount) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"ErrorModel": map[string]string{"Message": "malformed form"}})
		return
	}

	if r.PostForm.Get("grant_type") != "password" ||
		r.PostForm.Get("username") != a.Email ||
		r.PostForm.Get("password") != a.serverHash {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"ErrorModel": map[string]string{"Message": "invalid credentials"}})
		return
	}

	if a.TotpSecret != "" {
		code := r.PostForm.Get("twoFactorToken")
		if code == "" || !totp.Validate(code, a.TotpSecret) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]any{
				"TwoFactorProviders2": map[string]any{"0": map[string]any{}},
			})
			return
		}
	}

	accessToken, err := a.mintAccessToken()
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]any{"ErrorModel": map[string]string{"Message": err.Error()}})
		return
	}
	render.JSON(w, r, map[string]any{
		"access_token":  accessToken,
		"refresh_token": base64.StdEncoding.EncodeToString([]byte(uuid.NewString())),
		"expires_in":    3600,
		"token_type":    "Bearer",
		"Key":           a.wrappedKey,
		"PrivateKey":    a.privateKey,
		"Kdf":           int(a.kdf.Type),
		"KdfIterations": a.kdf.Iterations,
	})
}
