package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"

	"leaky/blockclient"
	"leaky/blockclient/httpclient"
	"leaky/blockclient/localstore"
	"leaky/manifest"
	"leaky/mount"
	"leaky/sync"
)

var (
	block      blockclient.Client
	remoteHead blockclient.RemoteHead
)

func initBlockClient(c *cli.Context) error {
	if url := c.String("remote"); url != "" {
		hc := httpclient.New(httpclient.Config{BaseURL: url, Token: c.String("token")})
		block = hc
		remoteHead = hc
		return nil
	}

	dbPath := c.String("db")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := localstore.Open(dbPath, 0)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	block = s
	return nil
}

func closeBlockClient(c *cli.Context) error {
	if block != nil {
		return block.Close()
	}
	return nil
}

func workingDir(c *cli.Context) string {
	if d := c.String("workdir"); d != "" {
		return d
	}
	return "."
}

func currentRoot(c *cli.Context) (cid.Cid, error) {
	state, err := sync.LoadState(workingDir(c))
	if err != nil {
		return cid.Undef, err
	}
	return state.LastDataRoot, nil
}

func saveRoot(c *cli.Context, root cid.Cid) error {
	state, err := sync.LoadState(workingDir(c))
	if err != nil {
		return err
	}
	state.LastDataRoot = root
	return sync.SaveState(workingDir(c), state)
}

func openMount(ctx context.Context, c *cli.Context) (*mount.Mount, error) {
	root, err := currentRoot(c)
	if err != nil {
		return nil, err
	}
	return mount.Open(ctx, block, root)
}

func commitAndSave(ctx context.Context, c *cli.Context, m *mount.Mount) error {
	root, err := m.Commit(ctx)
	if err != nil {
		return err
	}
	return saveRoot(c, root)
}

func main() {
	app := &cli.App{
		Name:  "leaky",
		Usage: "content-addressed directory tree with per-directory schemas",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Value:   ".leaky-data",
				Usage:   "path to the local embedded block store",
				EnvVars: []string{"LEAKY_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "remote",
				Usage:   "base URL of a remote block-store daemon (default: embedded local store)",
				EnvVars: []string{"LEAKY_REMOTE"},
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token for the remote head's CAS endpoint",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "working directory holding .leaky/state.json",
				Value: ".",
			},
		},
		Before: func(c *cli.Context) error {
			return initBlockClient(c)
		},
		After: func(c *cli.Context) error {
			return closeBlockClient(c)
		},
		Commands: []*cli.Command{
			lsCommand(),
			statCommand(),
			addCommand(),
			rmCommand(),
			tagCommand(),
			schemaCommand(),
			commitCommand(),
			logCommand(),
			pullCommand(),
			pushCommand(),
			exportCommand(),
			importCommand(),
			pinsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list the entries of a directory",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			entries, err := m.Ls(ctx, c.Args().First())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\n", e.Kind, e.Name)
			}
			return nil
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "show the kind and, for files, the data CID of an entry",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			st, err := m.Stat(ctx, c.Args().First())
			if err != nil {
				return err
			}
			if st.Kind.String() == "dir" {
				fmt.Println("dir")
				return nil
			}
			fmt.Printf("file\tdata=%s\tobject=%s\n", st.DataCID, st.ObjectCID)
			return nil
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "add or overwrite a file from local disk",
		ArgsUsage: "<path> <local-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metadata", Usage: "JSON metadata to attach", Value: "null"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			path := c.Args().Get(0)
			localFile := c.Args().Get(1)
			if path == "" || localFile == "" {
				return fmt.Errorf("usage: leaky add <path> <local-file>")
			}

			data, err := os.ReadFile(localFile)
			if err != nil {
				return fmt.Errorf("read %s: %w", localFile, err)
			}
			dataCID, err := block.Put(ctx, data)
			if err != nil {
				return err
			}

			var metadata any
			if err := json.Unmarshal([]byte(c.String("metadata")), &metadata); err != nil {
				return fmt.Errorf("decode --metadata: %w", err)
			}

			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			if err := m.Add(ctx, path, dataCID, metadata); err != nil {
				return err
			}
			return commitAndSave(ctx, c, m)
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a file or directory",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			if err := m.Rm(ctx, c.Args().First(), c.Bool("recursive")); err != nil {
				return err
			}
			return commitAndSave(ctx, c, m)
		},
	}
}

func tagCommand() *cli.Command {
	return &cli.Command{
		Name:      "tag",
		Usage:     "replace the metadata of a file",
		ArgsUsage: "<path> <json-metadata>",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			path := c.Args().Get(0)
			raw := c.Args().Get(1)
			var metadata any
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}

			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			if err := m.Tag(ctx, path, metadata); err != nil {
				return err
			}
			return commitAndSave(ctx, c, m)
		},
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "install or clear a directory's JSON schema",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				ArgsUsage: "<dir-path> <schema-file>",
				Action: func(c *cli.Context) error {
					ctx := context.Background()
					dirPath := c.Args().Get(0)
					schemaFile := c.Args().Get(1)
					data, err := os.ReadFile(schemaFile)
					if err != nil {
						return fmt.Errorf("read %s: %w", schemaFile, err)
					}
					var doc any
					if err := json.Unmarshal(data, &doc); err != nil {
						return fmt.Errorf("decode schema: %w", err)
					}
					m, err := openMount(ctx, c)
					if err != nil {
						return err
					}
					if err := m.SetSchema(ctx, dirPath, doc); err != nil {
						return err
					}
					return commitAndSave(ctx, c, m)
				},
			},
			{
				Name:      "clear",
				ArgsUsage: "<dir-path>",
				Action: func(c *cli.Context) error {
					ctx := context.Background()
					m, err := openMount(ctx, c)
					if err != nil {
						return err
					}
					if err := m.SetSchema(ctx, c.Args().First(), nil); err != nil {
						return err
					}
					return commitAndSave(ctx, c, m)
				},
			},
		},
	}
}

func commitCommand() *cli.Command {
	return &cli.Command{
		Name:  "commit",
		Usage: "serialize pending edits and print the new root CID",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			if err := commitAndSave(ctx, c, m); err != nil {
				return err
			}
			fmt.Println(m.RootCID())
			return nil
		},
	}
}

func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "walk the version history from the remote head",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Usage: "limit to n entries"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			if remoteHead == nil {
				return fmt.Errorf("leaky log requires a remote (--remote)")
			}
			head, err := remoteHead.Root(ctx)
			if err != nil {
				return err
			}
			h := manifest.NewHistory(block, head)
			limit := c.Int("n")
			count := 0
			return h.Walk(ctx, func(id cid.Cid, m *manifest.Manifest) bool {
				fmt.Printf("%s\tdata_root=%s\tcreated_at=%s\n", id, m.DataRoot, m.CreatedAt)
				count++
				return limit <= 0 || count < limit
			})
		},
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "fetch the remote head and update the local sync baseline",
		Action: func(c *cli.Context) error {
			if remoteHead == nil {
				return fmt.Errorf("leaky pull requires a remote (--remote)")
			}
			sc := sync.New(block, remoteHead, workingDir(c))
			head, dataRoot, err := sc.Pull(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("head=%s data_root=%s\n", head, dataRoot)
			return nil
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "stage the working directory and push a new manifest",
		Action: func(c *cli.Context) error {
			if remoteHead == nil {
				return fmt.Errorf("leaky push requires a remote (--remote)")
			}
			ctx := context.Background()
			correlationID := uuid.NewString()

			unlock, err := sync.Lock(workingDir(c))
			if err != nil {
				return err
			}
			defer unlock()

			sc := sync.New(block, remoteHead, workingDir(c))
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			if _, err := sc.Stage(ctx, m); err != nil {
				return err
			}
			head, err := sc.Push(ctx, m)
			if err != nil {
				return err
			}
			log.Printf("push %s: new head %s", correlationID, head)
			fmt.Println(head)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "write the reachable DAG from the current root as a CAR archive",
		ArgsUsage: "<out.car>",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			m, err := openMount(ctx, c)
			if err != nil {
				return err
			}
			f, err := os.Create(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()
			return m.ExportCAR(ctx, f)
		},
	}
}

func pinsCommand() *cli.Command {
	return &cli.Command{
		Name:  "pins",
		Usage: "list CIDs pinned in the local embedded block store",
		Action: func(c *cli.Context) error {
			store, ok := block.(*localstore.Store)
			if !ok {
				return fmt.Errorf("leaky pins requires the embedded local store (no --remote)")
			}
			pins, err := store.ListPins(context.Background())
			if err != nil {
				return err
			}
			for _, p := range pins {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "load a CAR archive into the block store",
		ArgsUsage: "<in.car>",
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()
			roots, err := block.ImportCAR(ctx, f)
			if err != nil {
				return err
			}
			for _, r := range roots {
				fmt.Println(r)
			}
			return nil
		},
	}
}
