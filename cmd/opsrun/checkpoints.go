package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mords94/OPS/pkg/checkpoints"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCheckpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints DIR",
		Short: "List the reduction checkpoints saved in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCheckpoints(args[0], cmd.OutOrStdout())
		},
	}
}

func listCheckpoints(dir string, w io.Writer) error {
	list, err := checkpoints.ListCheckpoints(dir)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		_, err = fmt.Fprintf(w, "no checkpoints in %q\n", dir)
		return err
	}
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Checkpoint", "Rank", "Reductions", "Data", "Modified")
	var totalSize int64
	for _, baseName := range list {
		rank, _ := checkpoints.CheckpointRank(baseName)
		records, err := checkpoints.LoadCheckpoint(dir, baseName)
		if err != nil {
			return err
		}
		info, err := os.Stat(filepath.Join(dir, baseName+checkpoints.BinDataSuffix))
		if err != nil {
			return errors.Wrapf(err, "checkpoint %q", baseName)
		}
		totalSize += info.Size()
		table.Row(baseName,
			fmt.Sprint(rank),
			humanize.Comma(int64(len(records))),
			humanize.Bytes(uint64(info.Size())),
			humanize.Time(info.ModTime()))
	}
	if _, err = fmt.Fprintln(w, table.Render()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s checkpoints, %s of data\n",
		humanize.Comma(int64(len(list))), humanize.Bytes(uint64(totalSize)))
	return err
}
