package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dailymint/cmd/internal/passphrase"
	"dailymint/core/types"
	"dailymint/crypto"
	"dailymint/observability/logging"
	"dailymint/services/mintd"
	"dailymint/services/mintd/index"
	"dailymint/services/mintd/middleware"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "serve":
		err = mintd.Main(args, operatorPassphrase)
	case "keygen":
		err = runKeygen(args, stdout)
	case "token":
		err = runToken(args, stdout)
	case "report":
		err = runReport(args, stdout)
	case "help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", cmd, usage())
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "mintd %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func usage() string {
	return strings.Join([]string{
		"usage: mintd [serve] -config <path>",
		"       mintd keygen -out <keystore> [-passphrase-env NAME] [-light]",
		"       mintd token -config <path> -subject <address> [-scopes operator,owner] [-ttl 1h]",
		"       mintd report -config <path> -day <n> [-out <dir>]",
	}, "\n")
}

func operatorPassphrase(envVar string) (string, error) {
	return passphrase.NewSource(envVar, "operator keystore").Get()
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "keystore file to write")
	envVar := fs.String("passphrase-env", "MINTD_OPERATOR_PASSPHRASE", "environment variable holding the passphrase")
	light := fs.Bool("light", false, "use light scrypt parameters (development only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("-out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists", *out)
	}
	secret, err := operatorPassphrase(*envVar)
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	params := crypto.StandardScrypt
	if *light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystore(*out, key, secret, params); err != nil {
		return err
	}
	addr := types.Address(key.PubKey().Address())
	fmt.Fprintf(stdout, "address: %s\nbech32:  %s\n", addr.Hex(), addr.Bech32())
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := fs.String("config", "services/mintd/config.yaml", "path to mintd configuration")
	subject := fs.String("subject", "", "address the token authenticates")
	scopes := fs.String("scopes", "", "comma separated scopes (operator, owner)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := mintd.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr, err := types.ParseAddress(*subject)
	if err != nil {
		return fmt.Errorf("-subject: %w", err)
	}
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, nil)
	if err != nil {
		return err
	}
	var list []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			list = append(list, scope)
		}
	}
	token, err := auth.Issue(addr, *ttl, list...)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runReport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	cfgPath := fs.String("config", "services/mintd/config.yaml", "path to mintd configuration")
	day := fs.Uint64("day", 0, "oracle day to report")
	out := fs.String("out", "", "report directory (defaults to index.report_dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := mintd.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := strings.TrimSpace(*out)
	if dir == "" {
		dir = cfg.Index.ReportDir
	}
	if dir == "" {
		return fmt.Errorf("-out is required when index.report_dir is unset")
	}
	db, err := index.Open(cfg.Index.Driver, cfg.Index.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	logger, _ := logging.SetupWithOptions("mintd", "cli", logging.Options{Output: os.Stderr})
	reporter := index.Reporter{Index: index.New(db, logger), Dir: dir}
	files, err := reporter.WriteDailyReport(context.Background(), *day)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(files)
}
