package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/majorsoln/bos/internal/kernelconfig"
	"github.com/majorsoln/bos/pkg/kernel"
)

const ctlSourceEngine = "bosctl"

func dispatchAdminCommand(ctx context.Context, businessID, branchID, commandType, actorID string, payload map[string]any) error {
	cfg, err := kernelconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	k, err := bootstrapKernel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap kernel: %w", err)
	}
	defer k.Close()

	if err := k.seedBusiness(ctx, businessID); err != nil {
		return fmt.Errorf("seed business %s: %w", businessID, err)
	}

	outcome, err := k.bus.Dispatch(ctx, kernel.Command{
		CommandID:    uuid.NewString(),
		CommandType:  commandType,
		BusinessID:   businessID,
		BranchID:     branchID,
		Actor:        kernel.ActorRef{ID: actorID, Type: kernel.ActorHuman},
		IssuedAt:     time.Now(),
		Payload:      payload,
		SourceEngine: ctlSourceEngine,
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if outcome.Rejection != nil {
		return fmt.Errorf("rejected: %s: %s", outcome.Rejection.Code, outcome.Rejection.Message)
	}
	for _, ev := range outcome.Events {
		fmt.Printf("accepted: %s (event_id=%s)\n", ev.EventType, ev.EventID)
	}
	return nil
}

func handleFlag(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: flag set|clear --business <id> --key <flag_key> [--branch <id>] [--actor <id>]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("flag "+sub, flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	branch := fs.String("branch", "", "branch ID (optional)")
	key := fs.String("key", "", "feature flag key")
	actor := fs.String("actor", "operator", "actor ID recorded on the command")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}
	if err := requireFlag("key", *key); err != nil {
		return err
	}

	var commandType string
	switch sub {
	case "set":
		commandType = "feature_flag.set.v1"
	case "clear":
		commandType = "feature_flag.clear.v1"
	default:
		return fmt.Errorf("unknown flag subcommand: %s", sub)
	}
	return dispatchAdminCommand(ctx, *business, *branch, commandType, *actor, map[string]any{
		"flag_key":  *key,
		"branch_id": *branch,
	})
}

func handleMode(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return fmt.Errorf("usage: mode set --business <id> --mode NORMAL|DEGRADED|READ_ONLY [--actor <id>]")
	}
	fs := flag.NewFlagSet("mode set", flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	mode := fs.String("mode", "", "NORMAL, DEGRADED, or READ_ONLY")
	actor := fs.String("actor", "operator", "actor ID recorded on the command")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}
	if err := requireFlag("mode", *mode); err != nil {
		return err
	}
	return dispatchAdminCommand(ctx, *business, "", "resilience.mode.set.v1", *actor, map[string]any{"mode": *mode})
}

func handleBusiness(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: business create|suspend|reactivate|close --business <id> [--actor <id>]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("business "+sub, flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	actor := fs.String("actor", "operator", "actor ID recorded on the command")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}

	var commandType string
	switch sub {
	case "create":
		commandType = "business.create.v1"
	case "suspend":
		commandType = "business.suspend.v1"
	case "reactivate":
		commandType = "business.reactivate.v1"
	case "close":
		commandType = "business.close.v1"
	default:
		return fmt.Errorf("unknown business subcommand: %s", sub)
	}
	return dispatchAdminCommand(ctx, *business, "", commandType, *actor, map[string]any{"business_id": *business})
}

func handleBranch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: branch add|close --business <id> --branch <id> [--actor <id>]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("branch "+sub, flag.ExitOnError)
	business := fs.String("business", "", "business ID")
	branch := fs.String("branch", "", "branch ID")
	actor := fs.String("actor", "operator", "actor ID recorded on the command")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := requireFlag("business", *business); err != nil {
		return err
	}
	if err := requireFlag("branch", *branch); err != nil {
		return err
	}

	var commandType string
	switch sub {
	case "add":
		commandType = "branch.add.v1"
	case "close":
		commandType = "branch.close.v1"
	default:
		return fmt.Errorf("unknown branch subcommand: %s", sub)
	}
	return dispatchAdminCommand(ctx, *business, *branch, commandType, *actor, map[string]any{"branch_id": *branch})
}
