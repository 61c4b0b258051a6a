package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorsoln/bos/internal/kernelconfig"
	"github.com/majorsoln/bos/internal/replay"
	"github.com/majorsoln/bos/internal/store"
	"github.com/majorsoln/bos/pkg/canon"
	"github.com/majorsoln/bos/pkg/kernel"
)

// handleVerifyChain re-derives every event's hash from its payload,
// previous hash, and header, and compares it against the stored
// event_hash and chain linkage — an offline integrity check that
// never touches the guard pipeline or any projection.
func handleVerifyChain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}

	cfg, err := kernelconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	k, err := bootstrapKernel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap kernel: %w", err)
	}
	defer k.Close()

	previousHash := kernel.Genesis
	checked := 0
	var cursor *kernel.Cursor
	for {
		res, err := k.store.Read(ctx, *business, store.ReadOptions{Cursor: cursor, Limit: 500})
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, ev := range res.Events {
			if ev.PreviousEventHash != previousHash {
				return fmt.Errorf("chain break at event %s: previous_event_hash=%s want=%s", ev.EventID, ev.PreviousEventHash, previousHash)
			}
			header := canon.StableHeader{
				EventID:          ev.EventID,
				EventType:        ev.EventType,
				EventVersion:     ev.EventVersion,
				BusinessID:       ev.BusinessID,
				BranchID:         ev.BranchID,
				CreatedAtRFC3339: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
				CorrelationID:    ev.CorrelationID,
				CausationID:      ev.CausationID,
				CorrectionOf:     ev.CorrectionOf,
				Status:           string(ev.Status),
			}
			if err := canon.Verify(ev.Payload, previousHash, header, ev.EventHash); err != nil {
				return fmt.Errorf("hash mismatch at event %s: %w", ev.EventID, err)
			}
			previousHash = ev.EventHash
			checked++
		}
		if res.NextCursor == nil {
			break
		}
		cursor = res.NextCursor
	}

	fmt.Printf("chain verified: %d events, tip=%s\n", checked, previousHash)
	return nil
}

// handleReplay rebuilds one or more projections for a business from
// the event store, optionally seeding from the newest snapshot.
func handleReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	projectionName := fs.String("projection", "", "projection name (default: every registered projection)")
	useSnapshot := fs.Bool("snapshot", false, "seed from the newest qualifying snapshot instead of Genesis")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}

	cfg, err := kernelconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	k, err := bootstrapKernel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap kernel: %w", err)
	}
	defer k.Close()

	opts := replay.Options{BusinessID: *business, UseSnapshot: *useSnapshot}
	if *projectionName != "" {
		opts.Projections = []string{*projectionName}
	}
	if err := k.replay.Replay(ctx, opts); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	fmt.Printf("replay complete for business %s\n", *business)
	return nil
}

// handleConfig prints the effective configuration bosd would boot
// with, layering config.yaml, environment, and defaults the same way
// kernelconfig.Load does. The signing key is never printed: a leaked
// operator terminal session must not leak the API-key HMAC secret.
func handleConfig(_ context.Context, args []string) error {
	if len(args) == 0 || args[0] != "dump" {
		return fmt.Errorf("usage: config dump")
	}
	cfg, err := kernelconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	redacted := *cfg
	if redacted.Security.SigningKey != "" {
		redacted.Security.SigningKey = "<redacted>"
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
