// Command obauth-ctl is the OpenBotAuth command-line companion: local dev
// convenience for registering agents, rotating signing keys, issuing
// certificates, and tailing telemetry against a running registry, plus a
// `sign` command that wraps internal/signer to produce signed requests
// from the shell.
package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openbotauth/openbotauth/internal/signer"
)

var version = "dev"

var (
	registryURL string
	authToken   string
	cfgFile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "obauth-ctl",
	Short: "OpenBotAuth command-line companion",
	Long: `obauth-ctl talks to a running OpenBotAuth registry over HTTP: register
agents, rotate signing keys, issue and list certificates, and inspect
telemetry without opening the portal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.obauth")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registryURL == "" {
			registryURL = viper.GetString("registry_url")
		}
		if registryURL == "" {
			registryURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.obauth/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "registry base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token: a session JWT or an oba_ personal access token")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(telemetryCmd)
	rootCmd.AddCommand(signCmd)

	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysListCmd)

	agentsCmd.AddCommand(agentsRegisterCmd)
	agentsCmd.AddCommand(agentsListCmd)

	certsCmd.AddCommand(certsIssueCmd)
	certsCmd.AddCommand(certsListCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the obauth-ctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

// ── http client ──────────────────────────────────────────────────────────────

func apiRequest(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, registryURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	return http.DefaultClient.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// ── keys ─────────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage your signing keys",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Generate a fresh Ed25519 keypair and rotate it into the registry",
	Long: `Generates a new Ed25519 keypair locally, prints the private key (save it —
it is never stored server-side), and submits the public half to the
registry's POST /v1/keys endpoint, retiring any previously active key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		resp, err := apiRequest(http.MethodPost, "/v1/keys", map[string]string{
			"public_key": base64.RawURLEncoding.EncodeToString(pub),
		})
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}
		var key struct {
			Kid string `json:"kid"`
		}
		if err := decodeResponse(resp, &key); err != nil {
			return err
		}
		fmt.Printf("rotated key %s\n", key.Kid)
		fmt.Printf("private key (base64url, save this — it is not recoverable): %s\n",
			base64.RawURLEncoding.EncodeToString(priv))
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your active signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodGet, "/v1/keys", nil)
		if err != nil {
			return err
		}
		var out struct {
			Keys []struct {
				Kid       string    `json:"kid"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"keys"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KID\tCREATED")
		for _, k := range out.Keys {
			fmt.Fprintf(w, "%s\t%s\n", k.Kid, k.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage registered agents",
}

var agentsRegisterFlags struct {
	agentID     string
	displayName string
	publicKey   string
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodPost, "/v1/agents", map[string]string{
			"agent_id":     agentsRegisterFlags.agentID,
			"display_name": agentsRegisterFlags.displayName,
			"public_key":   agentsRegisterFlags.publicKey,
		})
		if err != nil {
			return err
		}
		var agent struct {
			ID      string `json:"id"`
			AgentID string `json:"agent_id"`
		}
		if err := decodeResponse(resp, &agent); err != nil {
			return err
		}
		fmt.Printf("registered agent %s (%s)\n", agent.AgentID, agent.ID)
		return nil
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodGet, "/v1/agents", nil)
		if err != nil {
			return err
		}
		var out struct {
			Agents []struct {
				AgentID     string `json:"agent_id"`
				DisplayName string `json:"display_name"`
				Status      string `json:"status"`
			} `json:"agents"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT ID\tDISPLAY NAME\tSTATUS")
		for _, a := range out.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.AgentID, a.DisplayName, a.Status)
		}
		return w.Flush()
	},
}

func init() {
	agentsRegisterCmd.Flags().StringVar(&agentsRegisterFlags.agentID, "agent-id", "", "oba_agent_id, e.g. agent:crawler@example.com")
	agentsRegisterCmd.Flags().StringVar(&agentsRegisterFlags.displayName, "name", "", "human-readable display name")
	agentsRegisterCmd.Flags().StringVar(&agentsRegisterFlags.publicKey, "public-key", "", "base64url Ed25519 public key")
	_ = agentsRegisterCmd.MarkFlagRequired("agent-id")
	_ = agentsRegisterCmd.MarkFlagRequired("public-key")
}

// ── certs ────────────────────────────────────────────────────────────────────

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Issue and inspect leaf certificates",
}

var certsIssueFlags struct {
	agentID    string
	privateKey string
}

var certsIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Prove possession of an agent's key and issue a leaf certificate",
	Long: `Signs a fresh proof-of-possession message with the agent's private key and
submits it to POST /v1/certs/issue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := base64.RawURLEncoding.DecodeString(certsIssueFlags.privateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("--private-key must be a base64url-encoded 64-byte Ed25519 private key")
		}
		message := fmt.Sprintf("cert-issue:%s:%d", certsIssueFlags.agentID, time.Now().Unix())
		sig := ed25519.Sign(ed25519.PrivateKey(priv), []byte(message))

		resp, err := apiRequest(http.MethodPost, "/v1/certs/issue", map[string]any{
			"agent_id": certsIssueFlags.agentID,
			"proof": map[string]string{
				"message":   message,
				"signature": base64.StdEncoding.EncodeToString(sig),
			},
		})
		if err != nil {
			return err
		}
		var cert struct {
			Serial string `json:"serial"`
		}
		if err := decodeResponse(resp, &cert); err != nil {
			return err
		}
		fmt.Printf("issued certificate %s\n", cert.Serial)
		return nil
	},
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodGet, "/v1/certs", nil)
		if err != nil {
			return err
		}
		var out struct {
			Certificates []struct {
				Serial    string    `json:"serial"`
				NotAfter  time.Time `json:"not_after"`
				RevokedAt *time.Time `json:"revoked_at"`
			} `json:"certificates"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tEXPIRES\tREVOKED")
		for _, c := range out.Certificates {
			fmt.Fprintf(w, "%s\t%s\t%v\n", c.Serial, c.NotAfter.Format(time.RFC3339), c.RevokedAt != nil)
		}
		return w.Flush()
	},
}

func init() {
	certsIssueCmd.Flags().StringVar(&certsIssueFlags.agentID, "agent-id", "", "oba_agent_id to issue a certificate for")
	certsIssueCmd.Flags().StringVar(&certsIssueFlags.privateKey, "private-key", "", "base64url Ed25519 private key matching the agent's current kid")
	_ = certsIssueCmd.MarkFlagRequired("agent-id")
	_ = certsIssueCmd.MarkFlagRequired("private-key")
}

// ── telemetry ────────────────────────────────────────────────────────────────

var telemetryWindow string

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Show your verification telemetry overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiRequest(http.MethodGet, "/v1/telemetry/overview?window="+telemetryWindow, nil)
		if err != nil {
			return err
		}
		var stats struct {
			Username        string `json:"username"`
			TotalRequests   int64  `json:"total_requests"`
			DistinctOrigins int64  `json:"distinct_origins"`
			Karma           int64  `json:"karma"`
		}
		if err := decodeResponse(resp, &stats); err != nil {
			return err
		}
		fmt.Printf("%s: %d requests, %d distinct origins, karma %d\n",
			stats.Username, stats.TotalRequests, stats.DistinctOrigins, stats.Karma)
		return nil
	},
}

func init() {
	telemetryCmd.Flags().StringVar(&telemetryWindow, "window", "today", "today or 7d")
}

// ── sign ─────────────────────────────────────────────────────────────────────

var signFlags struct {
	kid        string
	jwksURL    string
	privateKey string
	method     string
}

var signCmd = &cobra.Command{
	Use:   "sign <url>",
	Short: "Sign a request with an Ed25519 agent key and print the signed headers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := base64.RawURLEncoding.DecodeString(signFlags.privateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("--private-key must be a base64url-encoded 64-byte Ed25519 private key")
		}
		req, err := http.NewRequest(signFlags.method, args[0], nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		s := signer.New(signFlags.kid, signFlags.jwksURL, ed25519.PrivateKey(priv))
		if err := s.Sign(req); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for _, h := range []string{"Signature-Input", "Signature", "Signature-Agent"} {
			if v := req.Header.Get(h); v != "" {
				fmt.Printf("%s: %s\n", h, v)
			}
		}
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signFlags.kid, "kid", "", "key ID matching the signer's registered public key")
	signCmd.Flags().StringVar(&signFlags.jwksURL, "jwks-url", "", "Signature-Agent JWKS directory URL")
	signCmd.Flags().StringVar(&signFlags.privateKey, "private-key", "", "base64url Ed25519 private key")
	signCmd.Flags().StringVar(&signFlags.method, "method", http.MethodGet, "HTTP method to sign")
	_ = signCmd.MarkFlagRequired("kid")
	_ = signCmd.MarkFlagRequired("jwks-url")
	_ = signCmd.MarkFlagRequired("private-key")
}
