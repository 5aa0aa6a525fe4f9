// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/meshstore/cmd/meshstore/cli"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/localstore"
	"github.com/bureau-foundation/meshstore/lib/meshstore"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/streamstore"
	"github.com/bureau-foundation/meshstore/lib/version"
)

func (a *app) rootCommand() *cli.Command {
	return &cli.Command{
		Name:        "meshstore",
		Description: "Inspect and maintain mesh node stores: local store files and streaming datasets.",
		Subcommands: []*cli.Command{
			a.infoCommand(),
			a.nodeCommand(),
			a.blocksCommand(),
			a.exportClipsCommand(),
			a.vacuumCommand(),
			a.resolveCommand(),
			a.versionCommand(),
		},
	}
}

// storeFlags are the flags of every command that opens a store.
type storeFlags struct {
	backend string
	json    bool
}

func (f *storeFlags) bind(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.backend, "backend", "auto", "store backend: auto, local or streaming")
	flagSet.BoolVar(&f.json, "json", false, "output as JSON")
}

func (a *app) open(ctx context.Context, location string, flags *storeFlags, readOnly bool) (*meshstore.Store, error) {
	backend, err := meshstore.ParseBackend(flags.backend)
	if err != nil {
		return nil, err
	}
	return meshstore.Open(ctx, meshstore.Options{
		Location: location,
		Backend:  backend,
		Config:   a.config,
		ReadOnly: readOnly,
		Logger:   a.logger,
	})
}

func (a *app) closeStore(store *meshstore.Store) {
	if err := store.Close(); err != nil {
		a.logger.Warn("closing store failed", "error", err)
	}
}

func exactArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return fmt.Errorf("expected %d argument(s) (%v), got %d", len(names), names, len(args))
	}
	return nil
}

type infoOutput struct {
	Location         string                       `json:"location"`
	Backend          string                       `json:"backend"`
	Empty            bool                         `json:"empty"`
	Root             nodeheader.NullNodeID        `json:"root"`
	Depth            uint32                       `json:"depth"`
	SplitThreshold   uint32                       `json:"split_threshold"`
	Balanced         bool                         `json:"balanced"`
	Terrain          bool                         `json:"terrain"`
	TextureType      string                       `json:"texture_type"`
	Format           string                       `json:"format"`
	Resolution       float64                      `json:"resolution"`
	CoordinateSystem string                       `json:"coordinate_system,omitempty"`
	Nodes            *int                         `json:"nodes,omitempty"`
	Sources          []nodestore.SourceDescriptor `json:"sources,omitempty"`
	Dataset          string                       `json:"dataset,omitempty"`
	Grouped          bool                         `json:"grouped,omitempty"`
	GroupSize        uint32                       `json:"group_size,omitempty"`
}

func (a *app) infoCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "info",
		Summary: "Show the master header of a store",
		Usage:   "meshstore info <location> [flags]",
		Examples: []cli.Example{
			{Description: "Describe a local store", Command: "meshstore info terrain.3sm"},
			{Description: "Describe an HTTP dataset as JSON", Command: "meshstore info --json https://cdn.example.com/city/tileset.json"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flags.bind(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location"); err != nil {
				return err
			}
			store, err := a.open(ctx, args[0], &flags, true)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			master, err := store.LoadMasterHeader(ctx)
			if err != nil {
				return err
			}
			output := infoOutput{
				Location:         args[0],
				Backend:          store.Backend().String(),
				Empty:            !master.IsValid(),
				Root:             master.Root,
				Depth:            master.Depth,
				SplitThreshold:   master.SplitThreshold,
				Balanced:         master.Balanced,
				Terrain:          master.Terrain,
				TextureType:      master.TextureType.String(),
				Format:           master.Format.String(),
				Resolution:       master.Resolution,
				CoordinateSystem: master.CoordinateSystem,
				Grouped:          master.Grouped,
				GroupSize:        master.GroupSize,
			}
			if local := store.Local(); local != nil {
				ids, err := local.NodeIDs(ctx)
				if err != nil {
					return err
				}
				nodes := len(ids)
				output.Nodes = &nodes
				output.Sources = local.Sources()
				if output.CoordinateSystem == "" {
					output.CoordinateSystem = local.CoordinateSystem()
				}
			}
			if stream := store.Streaming(); stream != nil {
				output.Dataset = string(stream.Format())
			}
			if flags.json {
				return cli.WriteJSON(a.stdout, output)
			}

			table := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(table, "location:\t%s\n", output.Location)
			fmt.Fprintf(table, "backend:\t%s\n", output.Backend)
			if output.Empty {
				fmt.Fprintf(table, "root:\t(empty store)\n")
				return table.Flush()
			}
			fmt.Fprintf(table, "root:\t%s\n", output.Root)
			fmt.Fprintf(table, "depth:\t%d\n", output.Depth)
			fmt.Fprintf(table, "split threshold:\t%d\n", output.SplitThreshold)
			fmt.Fprintf(table, "balanced:\t%v\n", output.Balanced)
			fmt.Fprintf(table, "terrain:\t%v\n", output.Terrain)
			fmt.Fprintf(table, "textures:\t%s\n", output.TextureType)
			fmt.Fprintf(table, "format:\t%s\n", output.Format)
			if output.Dataset != "" {
				fmt.Fprintf(table, "dataset layout:\t%s\n", output.Dataset)
			}
			if output.Grouped {
				fmt.Fprintf(table, "node groups:\t%d nodes each\n", output.GroupSize)
			}
			if output.Resolution != 0 {
				fmt.Fprintf(table, "resolution:\t%g\n", output.Resolution)
			}
			if output.CoordinateSystem != "" {
				fmt.Fprintf(table, "coordinate system:\t%s\n", output.CoordinateSystem)
			}
			if output.Nodes != nil {
				fmt.Fprintf(table, "nodes:\t%d\n", *output.Nodes)
			}
			for _, source := range output.Sources {
				fmt.Fprintf(table, "source:\t%s %s (%s)\n", source.Kind, source.Name, source.Path)
			}
			return table.Flush()
		},
	}
}

func parseNodeID(raw string) (nodeheader.NodeID, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	return nodeheader.NodeID(id), nil
}

func (a *app) nodeCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "node",
		Summary: "Show one node header",
		Usage:   "meshstore node <location> <node-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("node", pflag.ContinueOnError)
			flags.bind(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location", "node-id"); err != nil {
				return err
			}
			id, err := parseNodeID(args[1])
			if err != nil {
				return err
			}
			store, err := a.open(ctx, args[0], &flags, true)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			header, err := store.LoadNodeHeader(ctx, id)
			if err != nil {
				return err
			}
			if flags.json {
				encoded, err := nodeheader.EncodeJSON(header)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.stdout, "%s\n", encoded)
				return err
			}
			if header.IsEmpty() {
				fmt.Fprintf(a.stdout, "node %d does not exist\n", id)
				return &cli.ExitError{Code: 1}
			}

			table := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(table, "id:\t%d\n", header.ID)
			fmt.Fprintf(table, "level:\t%d\n", header.Level)
			fmt.Fprintf(table, "parent:\t%s\n", header.Parent)
			fmt.Fprintf(table, "leaf:\t%v\n", header.IsLeaf)
			fmt.Fprintf(table, "children:\t%v\n", header.ChildIDs())
			fmt.Fprintf(table, "points:\t%d (subtree %d)\n", header.NodeCount, header.TotalCount)
			fmt.Fprintf(table, "face indices:\t%d\n", header.FaceIndexCount)
			fmt.Fprintf(table, "textured:\t%v\n", header.IsTextured)
			fmt.Fprintf(table, "extent:\t%v .. %v\n", header.NodeExtent.Min, header.NodeExtent.Max)
			if header.ContentExtentDefined {
				fmt.Fprintf(table, "content extent:\t%v .. %v\n", header.ContentExtent.Min, header.ContentExtent.Max)
			}
			for _, size := range header.BlockSizes {
				fmt.Fprintf(table, "block %s:\t%d\n", size.Kind, size.Size)
			}
			return table.Flush()
		},
	}
}

type blockOutput struct {
	Kind       string `json:"kind"`
	ID         int64  `json:"id"`
	Size       int    `json:"size"`
	StoredSize int    `json:"stored_size,omitempty"`
	Codec      string `json:"codec,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

func (a *app) blocksCommand() *cli.Command {
	var (
		flags storeFlags
		nodes []uint
		kinds []string
	)
	return &cli.Command{
		Name:    "blocks",
		Summary: "List stored blocks",
		Description: "List stored blocks. Local stores list every block in the store and its\n" +
			"sister files. Streaming datasets have no index, so --node is required and\n" +
			"every kind is probed for each node.",
		Usage: "meshstore blocks <location> [flags]",
		Examples: []cli.Example{
			{Description: "Texture blocks of a local store", Command: "meshstore blocks terrain.3sm --kind texture"},
			{Description: "Blocks of two streamed nodes", Command: "meshstore blocks ./city --node 1,2"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("blocks", pflag.ContinueOnError)
			flags.bind(flagSet)
			flagSet.UintSliceVar(&nodes, "node", nil, "node ids to list")
			flagSet.StringSliceVar(&kinds, "kind", nil, "data kinds to list (default all)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location"); err != nil {
				return err
			}
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			store, err := a.open(ctx, args[0], &flags, true)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			var listed []blockOutput
			if local := store.Local(); local != nil {
				listed, err = localBlocks(ctx, local, nodes, selected)
			} else {
				listed, err = probeBlocks(ctx, store, nodes, selected)
			}
			if err != nil {
				return err
			}
			if flags.json {
				return cli.WriteJSON(a.stdout, listed)
			}
			table := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(table, "KIND\tID\tSIZE\tSTORED\tCODEC\n")
			for _, block := range listed {
				stored := "-"
				if block.StoredSize > 0 {
					stored = strconv.Itoa(block.StoredSize)
				}
				codec := block.Codec
				if codec == "" {
					codec = "-"
				}
				fmt.Fprintf(table, "%s\t%d\t%d\t%s\t%s\n", block.Kind, block.ID, block.Size, stored, codec)
			}
			return table.Flush()
		},
	}
}

func parseKinds(names []string) ([]datakind.Kind, error) {
	if len(names) == 0 {
		return datakind.All(), nil
	}
	kinds := make([]datakind.Kind, 0, len(names))
	for _, name := range names {
		kind, err := datakind.Parse(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func localBlocks(ctx context.Context, local *localstore.Store, nodes []uint, kinds []datakind.Kind) ([]blockOutput, error) {
	infos, err := local.ListBlocks(ctx)
	if err != nil {
		return nil, err
	}
	var listed []blockOutput
	for _, info := range infos {
		if !slices.Contains(kinds, info.Kind) {
			continue
		}
		if len(nodes) > 0 && !slices.Contains(nodes, uint(info.ID)) {
			continue
		}
		listed = append(listed, blockOutput{
			Kind:       info.Kind.String(),
			ID:         int64(info.ID),
			Size:       info.Size,
			StoredSize: info.StoredSize,
			Codec:      info.Codec.String(),
			Checksum:   info.Checksum,
		})
	}
	return listed, nil
}

// probeBlocks asks the store for the size of every selected kind of
// every node.
func probeBlocks(ctx context.Context, store *meshstore.Store, nodes []uint, kinds []datakind.Kind) ([]blockOutput, error) {
	if len(nodes) == 0 {
		return nil, errors.New("--node is required for streaming datasets")
	}
	var listed []blockOutput
	for _, node := range nodes {
		id := nodeheader.NodeID(node)
		header, err := store.LoadNodeHeader(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, kind := range kinds {
			size, err := store.NodeDataStore(kind, header).BlockDataCount(ctx, nodestore.NodeBlock(id))
			if err != nil {
				return nil, fmt.Errorf("%s of node %d: %w", kind, id, err)
			}
			if size > 0 {
				listed = append(listed, blockOutput{Kind: kind.String(), ID: int64(id), Size: size * kind.ElementSize()})
			}
		}
	}
	return listed, nil
}

func (a *app) exportClipsCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "export-clips",
		Summary: "Write the clip definitions of a local store for a project",
		Usage:   "meshstore export-clips <location> <project-file> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export-clips", pflag.ContinueOnError)
			flags.bind(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location", "project-file"); err != nil {
				return err
			}
			store, err := a.open(ctx, args[0], &flags, true)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			path, err := store.ExportClips(ctx, args[1])
			if err != nil {
				return err
			}
			if flags.json {
				return cli.WriteJSON(a.stdout, map[string]string{"path": path})
			}
			if path == "" {
				fmt.Fprintln(a.stdout, "no clip definitions to export")
				return nil
			}
			fmt.Fprintln(a.stdout, path)
			return nil
		},
	}
}

func (a *app) vacuumCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "vacuum",
		Summary: "Compact a local store and its sister files",
		Usage:   "meshstore vacuum <location> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("vacuum", pflag.ContinueOnError)
			flags.bind(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location"); err != nil {
				return err
			}
			store, err := a.open(ctx, args[0], &flags, false)
			if err != nil {
				return err
			}
			defer a.closeStore(store)
			if err := store.Save(ctx); err != nil {
				return err
			}
			if err := store.Vacuum(ctx); err != nil {
				return err
			}
			a.logger.Info("store compacted", "location", args[0])
			return nil
		},
	}
}

type resolveOutput struct {
	Location     string `json:"location"`
	Root         string `json:"root"`
	RootDocument string `json:"root_document,omitempty"`
	ServerID     string `json:"server_id,omitempty"`
	DatasetID    string `json:"dataset_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Localhost    bool   `json:"localhost,omitempty"`
	Stub         string `json:"stub,omitempty"`
}

func (a *app) resolveCommand() *cli.Command {
	var (
		asJSON    bool
		writeStub string
	)
	return &cli.Command{
		Name:    "resolve",
		Summary: "Show how a streaming location is resolved",
		Usage:   "meshstore resolve <location> [flags]",
		Examples: []cli.Example{
			{Description: "Follow a stub file", Command: "meshstore resolve city.s3sm"},
			{Description: "Create a stub pointing at a URL", Command: "meshstore resolve --write-stub city.s3sm https://cdn.example.com/city/tileset.json"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			flagSet.StringVar(&writeStub, "write-stub", "", "write a stub file redirecting to the location")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := exactArgs(args, "location"); err != nil {
				return err
			}
			settings, err := streamstore.ParseSettings(args[0])
			if err != nil {
				return err
			}
			if writeStub != "" {
				if err := streamstore.WriteStub(writeStub, args[0]); err != nil {
					return err
				}
				a.logger.Info("stub written", "stub", writeStub, "target", args[0])
			}
			output := resolveOutput{
				Location:     settings.Location.String(),
				Root:         settings.Root,
				RootDocument: settings.RootDocument,
				ServerID:     settings.ServerID,
				ProjectID:    settings.ProjectID,
				Localhost:    settings.Localhost,
				Stub:         settings.Stub,
			}
			if settings.DatasetID != uuid.Nil {
				output.DatasetID = settings.DatasetID.String()
			}
			if asJSON {
				return cli.WriteJSON(a.stdout, output)
			}
			table := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(table, "location:\t%s\n", output.Location)
			fmt.Fprintf(table, "root:\t%s\n", output.Root)
			if output.RootDocument != "" {
				fmt.Fprintf(table, "root document:\t%s\n", output.RootDocument)
			}
			if output.ServerID != "" {
				fmt.Fprintf(table, "server:\t%s\n", output.ServerID)
			}
			if output.DatasetID != "" {
				fmt.Fprintf(table, "dataset:\t%s\n", output.DatasetID)
			}
			if output.ProjectID != "" {
				fmt.Fprintf(table, "project:\t%s\n", output.ProjectID)
			}
			if output.Localhost {
				fmt.Fprintf(table, "localhost:\ttrue\n")
			}
			if output.Stub != "" {
				fmt.Fprintf(table, "stub:\t%s\n", output.Stub)
			}
			return table.Flush()
		},
	}
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(context.Context, []string) error {
			_, err := fmt.Fprintln(a.stdout, version.Full())
			return err
		},
	}
}
