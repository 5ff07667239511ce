// zipdrop-issue packs a folder into the archive directory and registers a
// single-use download token for it.
//
//	zipdrop-issue <folder>
//	zipdrop-issue --regenerate <archive> [--email addr]
//	zipdrop-issue --hash-password < password.txt
//
// Storage locations come from the same environment variables as the server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/config"
	"github.com/italolelis/zipdrop/internal/issuer"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/notifier"
	"github.com/italolelis/zipdrop/internal/storage/backend"
	"github.com/italolelis/zipdrop/internal/token"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

var errUsage = errors.New("usage: zipdrop-issue <folder> | --regenerate <archive> [--email addr] | --hash-password")

type options struct {
	regenerate   string
	email        string
	keepFolder   bool
	hashPassword bool
	cost         int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("zipdrop-issue", pflag.ContinueOnError)
	flagSet.StringVar(&opts.regenerate, "regenerate", "", "register an existing archive and send a fresh token")
	flagSet.StringVar(&opts.email, "email", "", "recipient for --regenerate (default: EMAIL from the notify env file)")
	flagSet.BoolVar(&opts.keepFolder, "keep", false, "do not delete the folder after packing")
	flagSet.BoolVar(&opts.hashPassword, "hash-password", false, "read a password from stdin and print its bcrypt hash for ADMIN_PASSWORD_HASH")
	flagSet.IntVar(&opts.cost, "cost", bcrypt.DefaultCost, "bcrypt cost for --hash-password")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if opts.hashPassword {
		return hashPassword(stdin, stdout, opts.cost)
	}

	rest := flagSet.Args()

	switch {
	case opts.regenerate != "" && len(rest) == 0:
	case opts.regenerate == "" && len(rest) == 1:
	default:
		return errUsage
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := logctx.NewLogger(os.Stderr, cfg.SlogLevel())
	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	store, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		return err
	}

	registry, err := backend.Open(backend.Options{Backend: cfg.RegistryBackend, Path: cfg.RegistryPath})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer registry.Close()

	auditor, err := audit.NewFileAuditor(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	iss := issuer.New(registry, token.NewGenerator(), auditor, nil)

	if opts.regenerate != "" {
		return regenerate(ctx, cfg, store, iss, opts, stdout)
	}

	return issueFolder(ctx, cfg, store, iss, rest[0], opts.keepFolder, stdout)
}

func issueFolder(
	ctx context.Context,
	cfg *config.Config,
	store *archive.Store,
	iss *issuer.Issuer,
	folder string,
	keep bool,
	stdout io.Writer,
) error {
	logger := logctx.LoggerFromContext(ctx)

	packed, err := archive.NewZipArchiver(store).Pack(ctx, folder)
	if err != nil {
		return err
	}

	tok, err := iss.Issue(ctx, issuer.Request{Filename: packed.Name, Reason: issuer.ReasonIssue, Digest: packed.Digest})
	if err != nil {
		// The archive is useless without a token.
		if rmErr := store.Remove(packed.Name); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove unregistered archive", "filename", packed.Name, "err", rmErr)
		}

		return err
	}

	fmt.Fprintf(stdout, "Archive: %s\nToken: %s\nLink: %s\n", packed.Name, tok, issuer.Link(cfg.PublicBaseURL, tok))

	if keep {
		return nil
	}

	if err := os.RemoveAll(folder); err != nil {
		logger.WarnContext(ctx, "failed to delete source folder", "folder", folder, "err", err)
	}

	return nil
}

func regenerate(ctx context.Context, cfg *config.Config, store *archive.Store, iss *issuer.Issuer, opts options, stdout io.Writer) error {
	logger := logctx.LoggerFromContext(ctx)

	name, err := store.Import(ctx, opts.regenerate)
	if err != nil {
		return err
	}

	req := issuer.Request{Filename: name, Reason: issuer.ReasonRegenerate}

	if path, err := store.Resolve(name); err == nil {
		if digest, err := archive.Digest(path); err == nil {
			req.Digest = digest
		}
	}

	tok, err := iss.Issue(ctx, req)
	if err != nil {
		return err
	}

	link := issuer.Link(cfg.PublicBaseURL, tok)
	fmt.Fprintf(stdout, "Archive: %s\nToken: %s\nLink: %s\n", name, tok, link)

	recipient := opts.email
	if recipient == "" {
		recipient = cfg.Recipient()
	}

	n := buildNotifier(cfg)
	if n.Len() == 0 {
		logger.WarnContext(ctx, "no notification channel configured, token not sent", "recipient", recipient)

		return nil
	}

	if err := n.Notify(ctx, notifier.RenewalMessage(recipient, name, link)); err != nil {
		return fmt.Errorf("token issued but notification failed: %w", err)
	}

	logger.InfoContext(ctx, "token sent", "recipient", recipient)

	return nil
}

func buildNotifier(cfg *config.Config) *notifier.Multi {
	var channels []notifier.Channel

	if cfg.SMTP.Host != "" {
		channels = append(channels, notifier.Channel{
			Name:     "smtp",
			Notifier: notifier.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From),
		})
	}

	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, notifier.Channel{
			Name:     "discord",
			Notifier: notifier.NewDiscordNotifier(cfg.DiscordWebhookURL),
		})
	}

	return notifier.NewMulti(nil, channels...)
}

func hashPassword(stdin io.Reader, stdout io.Writer, cost int) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	scanner := bufio.NewScanner(stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		return errors.New("no password on stdin")
	}

	password := strings.TrimRight(scanner.Text(), "\r")
	if password == "" {
		return errors.New("password must not be empty")
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("bcrypt: %w", err)
	}

	fmt.Fprintln(stdout, string(h))

	return nil
}
