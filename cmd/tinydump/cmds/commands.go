package cmds

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrack/tinydump/pkg/config"
	"github.com/mrack/tinydump/pkg/dex"
	"github.com/mrack/tinydump/pkg/logflags"
	"github.com/mrack/tinydump/pkg/proc"
	"github.com/mrack/tinydump/pkg/solist"
	"github.com/mrack/tinydump/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// attachPid is the pid of the target process.
	attachPid int
	// attachName selects the target process by command-line substring.
	attachName string
	// outputDir is the directory recovered images are written to.
	outputDir string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const tinydumpLongDesc = `tinydump extracts loaded executable images from the memory of a running
Android process.

It recovers dex images whose headers were relocated or stripped after
loading, and native libraries whose exact mapped size is only known to the
dynamic linker's private registry. Extraction is read-only: the target is
briefly stopped with SIGSTOP, its memory is read through /proc/<pid>/mem,
and it is resumed afterwards on every exit path.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "tinydump",
		Short: "tinydump extracts dex and so images from running processes.",
		Long:  tinydumpLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput)
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().IntVarP(&attachPid, "pid", "p", 0, "Pid of the target process.")
	rootCommand.PersistentFlags().StringVarP(&attachName, "name", "n", "", "Select the target process by command-line substring.")
	rootCommand.PersistentFlags().StringVarP(&outputDir, "output", "o", ".", "Directory recovered images are written to.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (target,dexscan,solist).")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tinydump\n%s\n", version.TinydumpVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	// 'dex' subcommand.
	dexCommand := &cobra.Command{
		Use:   "dex",
		Short: "Scan the target's memory and recover dex images.",
		Long: `Scan every readable mapping of the target process for dex images.

Images found by magic signature are sized from their map section rather
than their declared file size; mappings that hold a dex image with a
stripped header get a synthesized canonical header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPid()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}
			fmt.Printf("dex dump mode, pid %d, output %s\n", pid, outputDir)

			p, err := proc.Attach(pid)
			if err != nil {
				return err
			}
			defer p.Detach()

			found, err := dex.Dump(p, outputDir, conf)
			if err != nil {
				return err
			}
			fmt.Printf("dex dump done, %d images recovered\n", found)
			return nil
		},
	}
	rootCommand.AddCommand(dexCommand)

	// 'so' subcommand.
	soCommand := &cobra.Command{
		Use:   "so <library>",
		Short: "Dump a native library with its exact mapped size.",
		Long: `Dump the native library whose pathname contains the given name.

The library's true size is resolved from the dynamic linker's private
soinfo registry, falling back to a raw pattern search and finally to the
mapped span. If the configured SoFixer tool is present the raw dump is
also repaired into a loadable file; the raw dump is kept either way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPid()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}
			fmt.Printf("so dump mode, pid %d, target %s, output %s\n", pid, args[0], outputDir)

			p, err := proc.Attach(pid)
			if err != nil {
				return err
			}
			defer p.Detach()

			dumpPath, err := solist.NewDumper(p, args[0], outputDir, conf).Dump()
			if err != nil {
				return err
			}
			fmt.Printf("so dump done: %s\n", dumpPath)
			return nil
		},
	}
	rootCommand.AddCommand(soCommand)

	// 'list' subcommand.
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "List the native libraries mapped by the target.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPid()
			if err != nil {
				return err
			}
			sos, err := proc.ListSharedObjects(pid)
			if err != nil {
				return err
			}
			if len(sos) == 0 {
				fmt.Printf("no so files found for pid %d\n", pid)
				return nil
			}
			fmt.Printf("%-50s %-18s %-18s %-10s %s\n", "Name", "Start", "End", "Size", "Perms")
			for _, so := range sos {
				fmt.Printf("%-50s %-18x %-18x %-10s %s\n",
					so.Name, so.Start, so.End, fmt.Sprintf("%dKB", so.Size/1024), so.Perms)
			}
			return nil
		},
	}
	rootCommand.AddCommand(listCommand)

	return rootCommand
}

// targetPid resolves the target process from --pid or --name.
func targetPid() (int, error) {
	if attachPid > 0 {
		return attachPid, nil
	}
	if attachName != "" {
		return proc.FindPidByName(attachName)
	}
	return 0, errors.New("need --pid or --name")
}
