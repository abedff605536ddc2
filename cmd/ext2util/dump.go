package main

import (
	"context"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/vorteil/ext2fs/pkg/ext2fs"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <image>",
	Short: "mount an image read-only and print a superblock summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	dumpCmd.Flags().Bool("verbose", false, "also dump the root directory's decoded inode struct")
}

func runDump(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	fs, err := ext2fs.Mount(ctx, f, ext2fs.DefaultOptions(), log)
	if err != nil {
		return err
	}

	log.Printf("block size:    %d", fs.BlockSize())
	log.Printf("total blocks:  %d", fs.TotalBlocks())
	log.Printf("free blocks:   %d", fs.FreeBlocks())
	log.Printf("total inodes:  %d", fs.TotalInodes())
	log.Printf("free inodes:   %d", fs.FreeInodes())

	root, err := fs.GetInode(ctx, ext2fs.RootDirInode)
	if err != nil {
		return err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		spew.Dump(root.Core())
	}

	return nil
}
