package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"chatpair/backend/internal/api/handler"
	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/config"
	"chatpair/backend/internal/logger"
	"chatpair/backend/internal/profile"
	"chatpair/backend/internal/storage"
)

const adminTokenTTL = 24 * time.Hour

const usage = `Usage: admin <command> [args]

Commands:
  profile <user_id>              show a user's profile
  premium <user_id> on|off       grant or revoke premium
  grant <user_id> <n>            add n free searches
  token [subject]                print an admin API token
  sessions <user_id>             list a user's recent chat sessions
  transactions <user_id>         list a user's recent exchanges
  watch                          stream session events (redis backend only)`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	config.LoadDotEnv()
	cfg, err := config.Load(false)
	if err != nil {
		fatal("invalid configuration", err)
	}
	logger.SetupDefault(os.Stderr, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "profile", "premium", "grant":
		if cfg.StoreBackend == config.StoreMemory {
			fmt.Println("STORE_BACKEND=memory is private to the server process; point the CLI at redis or dynamodb.")
			os.Exit(1)
		}
		kv, rdb, err := storage.Open(ctx, cfg)
		if err != nil {
			fatal("open store", err)
		}
		if rdb != nil {
			defer rdb.Close()
		}
		profiles := profile.New(kv, cfg.FreeSearchLimit)
		if err := profileCommand(ctx, profiles, command, args); err != nil {
			fatal(command, err)
		}
	case "token":
		subject := "admin"
		if len(args) > 0 {
			subject = args[0]
		}
		token, err := handler.NewTokenIssuer(cfg.JWTSecret, adminTokenTTL).IssueAdmin(subject)
		if err != nil {
			fatal("issue token", err)
		}
		fmt.Println(token)
	case "sessions", "transactions":
		if len(args) != 1 {
			fmt.Printf("Usage: admin %s <user_id>\n", command)
			os.Exit(1)
		}
		if cfg.DatabaseDSN == "" {
			fmt.Println("DATABASE_DSN is not set.")
			os.Exit(1)
		}
		archive, err := storage.OpenArchive(cfg.DatabaseDSN)
		if err != nil {
			fatal("open archive", err)
		}
		if command == "sessions" {
			err = listSessions(ctx, archive, args[0])
		} else {
			err = listTransactions(ctx, archive, args[0])
		}
		if err != nil {
			fatal(command, err)
		}
	case "watch":
		if cfg.StoreBackend != config.StoreRedis {
			fmt.Println("Session events are only published with STORE_BACKEND=redis.")
			os.Exit(1)
		}
		_, rdb, err := storage.Open(ctx, cfg)
		if err != nil {
			fatal("open store", err)
		}
		defer rdb.Close()
		if err := watch(ctx, chathub.NewRedisPublisher(rdb)); err != nil {
			fatal("watch", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n%s\n", command, usage)
		os.Exit(1)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func profileCommand(ctx context.Context, profiles *profile.Store, command string, args []string) error {
	if len(args) < 1 {
		return errors.New("missing user_id")
	}
	userID := args[0]

	switch command {
	case "premium":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return errors.New("usage: admin premium <user_id> on|off")
		}
		if _, err := profiles.SetPremium(ctx, userID, args[1] == "on"); err != nil {
			return err
		}
		fmt.Printf("Premium for user %s is now %s.\n", userID, args[1])
	case "grant":
		if len(args) != 2 {
			return errors.New("usage: admin grant <user_id> <n>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid number of searches %q", args[1])
		}
		p, err := profiles.GrantSearches(ctx, userID, n)
		if err != nil {
			return err
		}
		fmt.Printf("User %s now has %d free searches.\n", userID, p.FreeSearchesRemaining)
	default:
		p, err := profiles.Get(ctx, userID)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

func listSessions(ctx context.Context, archive *storage.Archive, userID string) error {
	records, err := archive.SessionsForUser(ctx, userID, config.RecentSessionsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No sessions found for user %s.\n", userID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPARTICIPANTS\tSTARTED\tENDED\tREASON")
	for _, r := range records {
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.SessionID, strings.Join(r.Participants, ","), r.StartedAt.Format(time.RFC3339), ended, r.EndReason)
	}
	return w.Flush()
}

func listTransactions(ctx context.Context, archive *storage.Archive, userID string) error {
	txs, err := archive.TransactionsForUser(ctx, userID, config.RecentSessionsLimit)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Printf("No transactions found for user %s.\n", userID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAIR\tAMOUNT\tRECEIVED\tRATE\tSTATUS\tCREATED")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%g\t%s\t%s\n",
			tx.TransactionID, tx.Pair, tx.Amount, tx.ToAmount, tx.Rate, tx.Status, tx.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func watch(ctx context.Context, pub *chathub.RedisPublisher) error {
	events, err := pub.Subscribe(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Watching session events, press Ctrl+C to stop.")
	for ev := range events {
		line := fmt.Sprintf("%s %-8s %s %v", ev.At.Format(time.RFC3339), ev.Type, ev.SessionID, ev.UserIDs)
		if ev.Reason != "" {
			line += " reason=" + string(ev.Reason)
		}
		fmt.Println(line)
	}
	return nil
}
