package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ruteri/coaching-backup/api/backuphandler"
	"github.com/ruteri/coaching-backup/cmd/flags"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/urfave/cli/v2"
)

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "request timeout",
}

func main() {
	app := &cli.App{
		Name:           "backupctl",
		Usage:          "Administer the coaching-test backup service",
		DefaultCommand: "stats",
		Flags:          []cli.Flag{flags.ServerURLFlag, flagTimeout},
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "show storage statistics",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					return c.Stats(ctx)
				}),
			},
			{
				Name:  "folder-info",
				Usage: "show remote folder information",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					return c.FolderInfo(ctx)
				}),
			},
			{
				Name:  "test-auth",
				Usage: "re-authenticate against the remote store",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					return c.TestAuth(ctx)
				}),
			},
			{
				Name:  "list",
				Usage: "list remote blobs",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					return c.ListBlobs(ctx)
				}),
			},
			{
				Name:      "delete",
				Usage:     "delete a remote blob",
				ArgsUsage: "FILE_ID",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					if cCtx.NArg() != 1 {
						return nil, errors.New("expected exactly one file id")
					}
					return c.DeleteBlob(ctx, cCtx.Args().First())
				}),
			},
			{
				Name:      "backup",
				Usage:     "submit a JSON document for backup",
				ArgsUsage: "FILE|-",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					body, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					return c.CreateBackup(ctx, body)
				}),
			},
			{
				Name:      "save-test",
				Usage:     "write a test document directly to the remote folder",
				ArgsUsage: "FILE|-",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					body, err := readInput(cCtx)
					if err != nil {
						return nil, err
					}
					var test interfaces.Test
					if err := json.Unmarshal(body, &test); err != nil {
						return nil, fmt.Errorf("invalid test document: %w", err)
					}
					return c.SaveTestBlob(ctx, &test)
				}),
			},
			{
				Name:  "resume",
				Usage: "clear a quota pause",
				Action: run(func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error) {
					return c.Resume(ctx)
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type command func(ctx context.Context, c *backuphandler.Client, cCtx *cli.Context) (any, error)

func run(cmd command) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()

		client := backuphandler.NewClient(cCtx.String(flags.ServerURLFlag.Name))
		out, err := cmd(ctx, client, cCtx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func readInput(cCtx *cli.Context) ([]byte, error) {
	if cCtx.NArg() != 1 {
		return nil, errors.New("expected a file name or - for stdin")
	}
	name := cCtx.Args().First()
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}
