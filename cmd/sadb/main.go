// Command sadb inspects SA database dump files offline.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/ibsa/internal/registry"
	"github.com/yuuki/ibsa/internal/sadb"
	"github.com/yuuki/ibsa/internal/subnet"
)

const defaultSubnetPrefix = "0xfe80000000000000"

type rootOpts struct {
	subnetPrefix string
	verbose      bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:           "sadb",
		Short:         "Inspect and convert SA database dump files",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.subnetPrefix, "subnet-prefix", defaultSubnetPrefix, "Subnet prefix of the dumped fabric")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every parsed record")

	cmd.AddCommand(
		newCheckCommand(opts),
		newFmtCommand(opts),
		newMirrorCommand(opts),
	)
	return cmd
}

// load restores path into a subnet that knows no ports. Members and GUIDInfo
// blocks of unknown ports are dropped, as on a fabric that lost them.
func load(opts *rootOpts, path string) (*subnet.Subnet, *sadb.LoadResult, error) {
	prefix, err := strconv.ParseUint(opts.subnetPrefix, 0, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid subnet prefix %q: %w", opts.subnetPrefix, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sn := subnet.New(subnet.Options{FirstTimeMasterSweep: true, SubnetPrefix: prefix})
	res, err := sadb.Load(f, path, sn, nil)
	if err != nil {
		return nil, nil, err
	}
	return sn, res, nil
}

func newCheckCommand(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Parse a dump file and report malformed records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, res, err := load(opts, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lines:       %d\n", res.Lines)
			fmt.Fprintf(out, "groups:      %d\n", res.Groups)
			fmt.Fprintf(out, "services:    %d\n", res.Services)
			fmt.Fprintf(out, "informs:     %d\n", res.Informs)
			fmt.Fprintf(out, "reregister:  %t\n", res.Rereg)
			for _, e := range res.Errors {
				fmt.Fprintf(out, "error: %v\n", e)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%s has %d malformed records", args[0], len(res.Errors))
			}
			return nil
		},
	}
}

func newFmtCommand(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "fmt FILE",
		Short: "Print a dump file in canonical form",
		Long: `Parse a dump file and write it back to stdout in the order and layout the
SA uses. Multicast members and GUIDInfo blocks refer to fabric ports and are
not reproduced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sn, _, err := load(opts, args[0])
			if err != nil {
				return err
			}
			return sadb.Dump(cmd.OutOrStdout(), sn)
		},
	}
}

type mirrorOpts struct {
	databaseURI string
	instance    string
}

func newMirrorCommand(root *rootOpts) *cobra.Command {
	opts := mirrorOpts{}

	cmd := &cobra.Command{
		Use:   "mirror FILE",
		Short: "Push the records of a dump file to the rqlite mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.instance == "" {
				return fmt.Errorf("--instance is required")
			}
			sn, _, err := load(root, args[0])
			if err != nil {
				return err
			}

			m, err := registry.NewSAMirror(opts.databaseURI)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Mirror(cmd.Context(), opts.instance, sn); err != nil {
				return err
			}

			services, err := m.Services(cmd.Context(), opts.instance)
			if err != nil {
				return err
			}
			groups, err := m.Groups(cmd.Context(), opts.instance)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d services and %d groups as %s\n", len(services), len(groups), opts.instance)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.databaseURI, "database-uri", "http://localhost:4001", "rqlite URI")
	cmd.Flags().StringVar(&opts.instance, "instance", "", "Instance name the rows are stored under")
	return cmd
}
