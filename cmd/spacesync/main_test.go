package main

import (
	"context"
	"strings"
	"testing"

	"github.com/tabgrove/spacesync/internal/clientsync"
)

func TestRunRejectsBadArguments(t *testing.T) {
	// Argument validation happens before any request is issued, so the
	// client never needs a reachable server here.
	client := clientsync.NewHTTPClient("http://127.0.0.1:0", "test-client", nil)
	ctx := context.Background()

	cases := []struct {
		command string
		args    []string
		want    string
	}{
		{"rename", []string{"w1"}, "WINDOW_ID and NAME"},
		{"rename", []string{"w1", "Work", "extra"}, "WINDOW_ID and NAME"},
		{"close", nil, "WINDOW_ID"},
		{"switch", []string{"w1", "w2"}, "WINDOW_ID"},
		{"restore", nil, "SPACE_ID"},
		{"remove", []string{"s1", "s2"}, "SPACE_ID"},
		{"obliterate", nil, "unknown command"},
	}
	for _, tc := range cases {
		err := run(ctx, client, tc.command, tc.args)
		if err == nil {
			t.Fatalf("%s %v: accepted", tc.command, tc.args)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s %v: error %q, want mention of %q", tc.command, tc.args, err, tc.want)
		}
	}
}

func TestRunCreateRejectsUnknownFlags(t *testing.T) {
	client := clientsync.NewHTTPClient("http://127.0.0.1:0", "test-client", nil)
	if err := run(context.Background(), client, "create", []string{"-bogus"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}
