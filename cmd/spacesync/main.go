package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tabgrove/spacesync/internal/clientsync"
	"github.com/tabgrove/spacesync/internal/spacesync"
)

const usage = `usage: spacesync <command> [args]

commands:
  list                          print active and closed spaces
  create [-name NAME] [URL...]  create a space
  rename WINDOW_ID NAME         rename the space bound to a window
  close WINDOW_ID               close a space, keeping it restorable
  switch WINDOW_ID              focus a space's window
  restore SPACE_ID              reopen a closed space
  remove SPACE_ID               permanently delete a closed space
  watch                         follow change notifications
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	baseURL := os.Getenv("SPACESYNC_ADDR")
	client := clientsync.NewHTTPClient(baseURL, os.Getenv("SPACESYNC_CLIENT_ID"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := run(ctx, client, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("spacesync %s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, client *clientsync.HTTPClient, command string, args []string) error {
	switch command {
	case "list":
		return runList(ctx, client)
	case "create":
		return runCreate(ctx, client, args)
	case "rename":
		if len(args) != 2 {
			return fmt.Errorf("expected WINDOW_ID and NAME")
		}
		return printResult(client.Rename(ctx, args[0], args[1]))
	case "close":
		if len(args) != 1 {
			return fmt.Errorf("expected WINDOW_ID")
		}
		return printResult(client.CloseSpace(ctx, args[0]))
	case "switch":
		if len(args) != 1 {
			return fmt.Errorf("expected WINDOW_ID")
		}
		return printResult(client.SwitchTo(ctx, args[0]))
	case "restore":
		if len(args) != 1 {
			return fmt.Errorf("expected SPACE_ID")
		}
		return printResult(client.Restore(ctx, args[0]))
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("expected SPACE_ID")
		}
		return printResult(client.RemoveClosed(ctx, args[0]))
	case "watch":
		return runWatch(ctx, client)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runList(ctx context.Context, client *clientsync.HTTPClient) error {
	snapshot, err := client.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	printSpaces("active", snapshot.Spaces)
	printSpaces("closed", snapshot.ClosedSpaces)
	return nil
}

func printSpaces(heading string, spaces map[string]spacesync.Space) {
	fmt.Printf("%s (%d):\n", heading, len(spaces))
	ids := make([]string, 0, len(spaces))
	for id := range spaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sp := spaces[id]
		window := sp.WindowID
		if window == "" {
			window = "-"
		}
		fmt.Printf("  %s  v%-3d  window=%-8s  %s (%d urls)\n", sp.ID, sp.Version, window, sp.Name, len(sp.URLs))
	}
}

func runCreate(ctx context.Context, client *clientsync.HTTPClient, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("name", "", "space name (auto-generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printResult(client.CreateSpace(ctx, *name, fs.Args()))
}

func printResult(result clientsync.SpaceResult, err error) error {
	if err != nil {
		return err
	}
	data, marshalErr := json.MarshalIndent(result.Space, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(data))
	return nil
}

// runWatch tails the notification socket through a syncer so stale pushes
// are filtered the same way a real client filters them.
func runWatch(ctx context.Context, client *clientsync.HTTPClient) error {
	cacheFile := strings.TrimSpace(os.Getenv("SPACESYNC_CACHE_FILE"))
	if cacheFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cacheFile = filepath.Join(home, ".spacesync", "cache.json")
		}
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	syncer, err := clientsync.NewSyncer(client, clientsync.SyncerOptions{
		CacheFile: cacheFile,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := syncer.LoadCache(); err != nil {
		logger.Printf("cache load: %v", err)
	}

	listener := clientsync.NewListener(client.NotificationURL(), syncer, logger)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var lastActive, lastClosed int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, closed := syncer.ViewAll()
				if len(active) != lastActive || len(closed) != lastClosed {
					fmt.Printf("%s  active=%d closed=%d\n", time.Now().Format(time.RFC3339), len(active), len(closed))
					lastActive, lastClosed = len(active), len(closed)
				}
			}
		}
	}()
	err = listener.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
