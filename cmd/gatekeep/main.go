package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dgellow/gatekeep/internal"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/crypto"
	"github.com/dgellow/gatekeep/internal/log"
)

var BuildVersion = "dev"

func defaultConfig() map[string]any {
	return map[string]any{
		"version": config.Version,
		"server": map[string]any{
			"addr":           ":8080",
			"baseURL":        "https://app.yourcompany.com",
			"basePath":       config.DefaultBasePath,
			"allowedOrigins": []string{"https://app.yourcompany.com"},
		},
		"session": map[string]any{
			"secret":             map[string]string{"$env": "SESSION_SECRET"},
			"codec":              string(config.CodecSealed),
			"accessTokenMaxAge":  "1h",
			"refreshTokenMaxAge": "168h",
			"redirectPage":       "/",
		},
		"storage": map[string]any{
			"kind":            string(config.StorageMemory),
			"cleanupInterval": "5m",
		},
		"providers": []any{
			map[string]any{
				"id":           "google",
				"kind":         string(config.ProviderKindGoogle),
				"clientId":     map[string]string{"$env": "GOOGLE_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
				"hostedDomain": "yourcompany.com",
			},
			map[string]any{
				"id":           "github",
				"kind":         string(config.ProviderKindGitHub),
				"clientId":     map[string]string{"$env": "GITHUB_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "GITHUB_CLIENT_SECRET"},
				"allowedOrgs":  []string{"yourcompany"},
			},
		},
	}
}

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Fprintln(w)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(w, "Result: PASS")
	case len(result.Errors) == 0:
		fmt.Fprintln(w, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(w, "Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password is empty")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}

func serve(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.LogInfoWithFields("main", "Starting gatekeep", map[string]any{
		"version": BuildVersion,
		"config":  path,
	})

	app, err := internal.New(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return app.Run()
}

func newRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "gatekeep",
		Short:         "Authentication gateway for OAuth2, OIDC and credential logins",
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" {
				return nil
			}
			return log.SetLogLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (error, warn, info, debug, trace)")

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	_ = serveCmd.MarkFlagRequired("config")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "init <path>",
			Short: "Generate a default config file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := generateDefaultConfig(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate <path>",
			Short: "Validate a config file without resolving environment variables",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return validateConfig(cmd.OutOrStdout(), args[0])
			},
		},
	)

	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hashPassword(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	root.AddCommand(serveCmd, configCmd, hashCmd)
	return root
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.LogWarn("Failed to load .env: %v", err)
	}

	if err := newRootCommand().Execute(); err != nil {
		log.LogError("%v", err)
		os.Exit(1)
	}
}
