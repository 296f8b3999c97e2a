package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jrhy/pds"
	"github.com/jrhy/pds/signing"
	"github.com/scott-cotton/cli"
)

const description = `pds hosts account repositories and streams their changes to relays.

Examples:
  pds keygen -alg ed25519
  pds create-account -config pds.yaml -key ed25519:... did:example:alice
  pds serve -config pds.yaml
  pds verify -config pds.yaml did:example:alice`

func main() {
	cli.MainContext(context.Background(), Root())
}

func Root() *cli.Command {
	return cli.NewCommand("pds").
		WithSynopsis("pds - personal data server").
		WithDescription(description).
		WithSubs(
			ServeCommand(),
			KeygenCommand(),
			CreateAccountCommand(),
			VerifyCommand(),
		)
}

type serveConfig struct {
	*cli.Command
	Config string `cli:"name=config aliases=c desc='configuration file' default=pds.yaml"`
	Listen string `cli:"name=listen desc='listen address, overriding the configuration file'"`
}

func ServeCommand() *cli.Command {
	cfg := &serveConfig{Config: "pds.yaml"}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "serve").
		WithSynopsis("serve [-config pds.yaml] - Serve repositories and the firehose").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *serveConfig) run(cc *cli.Context, args []string) error {
	if _, err := cfg.Parse(cc, args); err != nil {
		return err
	}
	conf, err := pds.LoadConfig(cfg.Config)
	if err != nil {
		return err
	}
	if cfg.Listen != "" {
		conf.Listen = cfg.Listen
	}
	log, err := conf.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	srv, err := pds.Open(ctx, conf, log)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", conf.DataDir, err)
	}
	defer srv.Close()
	return srv.Run(ctx, conf.Listen)
}

type keygenConfig struct {
	*cli.Command
	Alg string `cli:"name=alg aliases=a desc='key algorithm: ed25519 or dilithium3' default=ed25519"`
}

func KeygenCommand() *cli.Command {
	cfg := &keygenConfig{Alg: signing.Ed25519}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "keygen").
		WithSynopsis("keygen [-alg ed25519] - Generate an account signing key").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *keygenConfig) run(cc *cli.Context, args []string) error {
	if _, err := cfg.Parse(cc, args); err != nil {
		return err
	}
	key, err := signing.GenerateKey(cfg.Alg, rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrUsage, err)
	}
	fmt.Fprintf(cc.Out, "private: %s\npublic:  %s\n", key, key.Public())
	return nil
}

type createAccountConfig struct {
	*cli.Command
	Config string `cli:"name=config aliases=c desc='configuration file' default=pds.yaml"`
	Key    string `cli:"name=key aliases=k desc='private signing key, as printed by keygen'"`
}

func CreateAccountCommand() *cli.Command {
	cfg := &createAccountConfig{Config: "pds.yaml"}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "create-account").
		WithSynopsis("create-account [-config pds.yaml] -key <key> <did> - Create an empty repository").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *createAccountConfig) run(cc *cli.Context, args []string) error {
	args, err := cfg.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) != 1 || cfg.Key == "" {
		return fmt.Errorf("%w: usage: pds create-account -key <key> <did>", cli.ErrUsage)
	}
	key, err := signing.ParsePrivateKey(cfg.Key)
	if err != nil {
		return fmt.Errorf("%w: -key: %v", cli.ErrUsage, err)
	}
	srv, err := open(cfg.Config)
	if err != nil {
		return err
	}
	defer srv.Close()
	res, err := srv.CreateAccount(context.Background(), args[0], key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cc.Out, "%s: commit %s rev %s\n", args[0], res.Cid, res.Rev)
	return nil
}

// open opens the server's storage without serving it.
func open(path string) (*pds.Server, error) {
	conf, err := pds.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	log, err := conf.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	srv, err := pds.Open(context.Background(), conf, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", conf.DataDir, err)
	}
	return srv, nil
}

type verifyConfig struct {
	*cli.Command
	Config string `cli:"name=config aliases=c desc='configuration file' default=pds.yaml"`
}

func VerifyCommand() *cli.Command {
	cfg := &verifyConfig{Config: "pds.yaml"}
	opts, _ := cli.StructOpts(cfg)
	return cli.NewCommandAt(&cfg.Command, "verify").
		WithSynopsis("verify [-config pds.yaml] <did>... - Check accounts' commit signatures").
		WithOpts(opts...).
		WithRun(cfg.run)
}

func (cfg *verifyConfig) run(cc *cli.Context, args []string) error {
	args, err := cfg.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: pds verify <did>...", cli.ErrUsage)
	}
	srv, err := open(cfg.Config)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx := context.Background()
	failed := 0
	for _, did := range args {
		n, err := srv.Engine().VerifyHistory(ctx, did)
		if err != nil {
			fmt.Fprintf(cc.Out, "%s: %v\n", did, err)
			failed++
			continue
		}
		fmt.Fprintf(cc.Out, "%s: %d commits ok\n", did, n)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed verification", failed, len(args))
	}
	return nil
}
