// opsrun runs distributed stencil programs over an in-process world of ranks, and inspects the
// reduction checkpoints they leave behind.
//
//	opsrun heat --ranks 4 --size 64,64 --steps 200 --config heat.toml
//	opsrun checkpoints ~/runs/heat
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "opsrun",
		Short:         "Run distributed stencil programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// klog flags (-v, -logtostderr, ...) are exposed as regular flags.
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.AddCommand(newHeatCommand())
	cmd.AddCommand(newCheckpointsCommand())
	return cmd
}
