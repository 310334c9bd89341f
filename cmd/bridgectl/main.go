package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"issuebridge/pkg/apikey"
	"issuebridge/pkg/config"
	"issuebridge/pkg/prefs"
	"issuebridge/pkg/vault"

	"github.com/spf13/pflag"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	openPrefsFn = prefs.Open
	newCipherFn = func() apikey.Cipher { return vault.New() }
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(ctx, args[1:], out)
	case "list-keys":
		return listKeys(ctx, args[1:], out)
	case "revoke-key":
		return revokeKey(ctx, args[1:], out)
	case "set-server":
		return setServer(ctx, args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "bridgectl commands:")
	fmt.Fprintln(out, "  gen-key --label <name>")
	fmt.Fprintln(out, "  list-keys [--show-tokens]")
	fmt.Fprintln(out, "  revoke-key --token <token>")
	fmt.Fprintln(out, "  set-server [--bind <addr>] [--port <n>] [--origins <list>]")
	fmt.Fprintln(out, "every command accepts --config <file>")
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.StringP("config", "c", "", "YAML config file")
	return fs, configPath
}

type session struct {
	cfg   config.Config
	store prefs.Store
	close func()
}

// errEphemeralBackend is returned when the configured preference store
// lives only as long as this process.
var errEphemeralBackend = errors.New("prefs.backend is memory: nothing bridgectl writes would reach the server; configure redis or postgres (ISSUEBRIDGE_PREFS_BACKEND)")

func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Prefs.Backend == prefs.BackendMemory {
		return nil, errEphemeralBackend
	}
	store, closeStore, err := openPrefsFn(ctx, cfg.PrefsOptions())
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	return &session{cfg: cfg, store: store, close: closeStore}, nil
}

// keys opens the key set. Unlike the server, the CLI refuses to work on a
// set it cannot decrypt, since any write would overwrite it.
func (s *session) keys(ctx context.Context) (*apikey.Store, error) {
	if s.cfg.Auth.MasterSecret == "" {
		return nil, errors.New("master secret required (auth.master_secret or ISSUEBRIDGE_AUTH_MASTER_SECRET)")
	}
	keys, err := apikey.Open(ctx, s.store, newCipherFn(), apikey.StaticSecret(s.cfg.Auth.MasterSecret))
	if err != nil {
		_ = keys.Close(ctx)
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	return keys, nil
}

func genKey(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("gen-key")
	label := fs.String("label", "", "key label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*label) == "" {
		return errors.New("label required")
	}
	s, err := openSession(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	defer keys.Close(ctx)
	key, err := keys.Generate(ctx, strings.TrimSpace(*label))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key.Token)
	return nil
}

func listKeys(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("list-keys")
	showTokens := fs.Bool("show-tokens", false, "print full tokens")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	defer keys.Close(ctx)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tLABEL\tCREATED\tLAST USED")
	for _, k := range keys.ListKeys() {
		token := k.Token
		if !*showTokens {
			token = maskToken(token)
		}
		lastUsed := "never"
		if k.LastUsed != nil {
			lastUsed = k.LastUsed.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", token, k.Label, k.CreatedAt.UTC().Format(time.RFC3339), lastUsed)
	}
	return tw.Flush()
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-2:]
}

func revokeKey(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("revoke-key")
	token := fs.String("token", "", "token to revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("token required")
	}
	s, err := openSession(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	defer keys.Close(ctx)
	if err := keys.Revoke(ctx, *token); err != nil {
		return err
	}
	fmt.Fprintln(out, "revoked")
	return nil
}

func setServer(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("set-server")
	bind := fs.String("bind", "", "bind address")
	port := fs.Int("port", 0, "listen port")
	origins := fs.String("origins", "", "comma-separated allowed CORS origins")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSession(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := config.ApplyPreferences(ctx, s.store, &s.cfg); err != nil {
		return err
	}
	server := s.cfg.Server
	if fs.Changed("bind") {
		server.BindAddress = *bind
	}
	if fs.Changed("port") {
		if *port < 0 || *port > 65535 {
			return fmt.Errorf("port %d out of range", *port)
		}
		server.Port = *port
	}
	if fs.Changed("origins") {
		server.AllowedOrigins = *origins
	}
	if err := config.SavePreferences(ctx, s.store, server); err != nil {
		return err
	}
	fmt.Fprintf(out, "bridge will listen on %s:%d\n", server.BindAddress, server.Port)
	return nil
}
