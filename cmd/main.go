package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/keyclient"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/vault"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	idToken      string
	refreshToken string
	tokenURL     string
	clientID     string
	providerType string
	vaultDir     string
	fileKey      bool
	verbose      bool
)

func check(e error) {
	if e != nil {
		fmt.Printf("%v\n", e.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultVaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyshare"
	}
	return filepath.Join(home, ".keyshare")
}

var rootCmd = &cobra.Command{
	Use:     "keyctl",
	Short:   "keyctl manages a Mailio signing key split into shares",
	Long:    `keyctl sets up, unlocks, rotates and recovers a Mailio ed25519 key that is split into a device share, an auth share held by the key server and a recovery share.`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			global.SetLogLevel("debug")
		} else {
			global.SetLogLevel("release")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&serverURL, "server", "s", envOr("KEYSHARE_SERVER", "http://localhost:8080"), "key server URL")
	pf.StringVar(&idToken, "token", os.Getenv("KEYSHARE_ID_TOKEN"), "identity token of the signed in user")
	pf.StringVar(&refreshToken, "refresh-token", os.Getenv("KEYSHARE_REFRESH_TOKEN"), "refresh token, used instead of --token")
	pf.StringVar(&tokenURL, "token-url", os.Getenv("KEYSHARE_TOKEN_URL"), "token endpoint for --refresh-token")
	pf.StringVar(&clientID, "client-id", os.Getenv("KEYSHARE_CLIENT_ID"), "client id for --refresh-token")
	pf.StringVar(&providerType, "provider", envOr("KEYSHARE_PROVIDER", string(types.AuthProviderFirebase)), "identity provider (firebase, supertokens, keycloak, oidc)")
	pf.StringVar(&vaultDir, "vault", envOr("KEYSHARE_VAULT", defaultVaultDir()), "directory of the local share vault")
	pf.BoolVar(&fileKey, "insecure-file-key", os.Getenv("KEYSHARE_INSECURE_FILE_KEY") != "", "keep the vault master key in the vault directory instead of the OS keychain (weaker)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func authProvider() (keyclient.AuthProvider, error) {
	pt := types.AuthProviderType(providerType)
	if refreshToken != "" {
		if tokenURL == "" {
			return nil, fmt.Errorf("--token-url is required with --refresh-token")
		}
		return keyclient.NewRefreshingProvider(pt, tokenURL, clientID, refreshToken), nil
	}
	if idToken == "" {
		return nil, fmt.Errorf("sign in first: pass --token or --refresh-token")
	}
	return &keyclient.StaticProvider{Token: idToken, ProviderType: pt}, nil
}

// session bundles what every key command needs
type session struct {
	client      *keyclient.APIClient
	manager     *keyclient.Manager
	coordinator *keyclient.Coordinator
}

func newSession() (*session, error) {
	auth, err := authProvider()
	if err != nil {
		return nil, err
	}
	storage, err := vault.NewFileStorage(vaultDir)
	if err != nil {
		return nil, err
	}
	var keys vault.MasterKeyStore = vault.NewKeyringKeyStore(vaultDir)
	if fileKey {
		level.Warn(global.Logger).Log("msg", "vault master key is stored next to the shares", "dir", vaultDir)
		keys = vault.NewStorageKeyStore(storage)
	}
	client := keyclient.NewAPIClient(serverURL, auth)
	manager := keyclient.NewManager(client, auth, vault.New(storage, keys))
	return &session{
		client:      client,
		manager:     manager,
		coordinator: keyclient.NewCoordinator(manager, nil),
	}, nil
}

// ready initializes the session and fails unless the key is unlocked
func (s *session) ready(ctx context.Context) keyclient.State {
	state := s.coordinator.Initialize(ctx)
	if state.Status == keyclient.StatusError {
		check(state.Err)
	}
	if state.Status != keyclient.StatusReady {
		check(fmt.Errorf("key is not unlocked (%s), run keyctl status", state.Status))
	}
	return state
}

func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func main() {
	Execute()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
