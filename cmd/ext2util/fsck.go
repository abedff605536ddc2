package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vorteil/ext2fs/pkg/ext2fs"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <image>",
	Short: "verify basic structural invariants of an ext2-compatible image",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,
}

func runFsck(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	opts := ext2fs.DefaultOptions()
	opts.Errors = ext2fs.ErrorContinue
	fs, err := ext2fs.Mount(ctx, f, opts, log)
	if err != nil {
		return fmt.Errorf("superblock/group descriptor tables are corrupt: %w", err)
	}

	root, err := fs.GetInode(ctx, ext2fs.RootDirInode)
	if err != nil {
		return fmt.Errorf("root inode unreadable: %w", err)
	}
	if !ext2fs.IsDir(root.Core().Mode) {
		return fmt.Errorf("root inode %d is not a directory", ext2fs.RootDirInode)
	}

	if fs.FreeBlocks() > fs.TotalBlocks() {
		return fmt.Errorf("free block count %d exceeds total blocks %d", fs.FreeBlocks(), fs.TotalBlocks())
	}
	if fs.FreeInodes() > fs.TotalInodes() {
		return fmt.Errorf("free inode count %d exceeds total inodes %d", fs.FreeInodes(), fs.TotalInodes())
	}

	if warnings := log.RecentWarnings(); warnings != "" {
		log.Printf("warnings encountered during check:\n%s", warnings)
	}

	log.Printf("%s: clean", args[0])
	return nil
}
