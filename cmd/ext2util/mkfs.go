package main

import (
	"context"
	"os"

	"github.com/imdario/mergo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/vorteil/ext2fs/pkg/ext2fs"
)

// mkfsConfig mirrors the flags mkfsCmd accepts; it exists as its own type
// so a --config file can be merged underneath explicit flags with mergo,
// the same layering the teacher's vcfg package uses for build configs.
type mkfsConfig struct {
	BlockSize  int64  `yaml:"blockSize"`
	VolumeName string `yaml:"volumeName"`
	Sparse     bool   `yaml:"sparseSuper"`
}

var defaultMkfsConfig = mkfsConfig{
	BlockSize: ext2fs.DefaultBlockSize,
	Sparse:    true,
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image> <size-in-bytes>",
	Short: "format a new ext2-compatible image",
	Args:  cobra.ExactArgs(2),
	RunE:  runMkfs,
}

func init() {
	mkfsCmd.Flags().Int64("block-size", 0, "block size in bytes (1024, 2048, or 4096)")
	mkfsCmd.Flags().String("volume-name", "", "volume label")
	mkfsCmd.Flags().Bool("no-sparse-super", false, "disable the sparse_super backup layout")
	mkfsCmd.Flags().String("config", "", "path to a YAML file of mkfs defaults to merge underneath flags")
}

func runMkfs(cmd *cobra.Command, args []string) error {
	imgPath := args[0]
	size, err := parseSize(args[1])
	if err != nil {
		return err
	}

	cfg := defaultMkfsConfig
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		fileCfg, err := loadMkfsConfigFile(path)
		if err != nil {
			return err
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return err
		}
	}

	if v, _ := cmd.Flags().GetInt64("block-size"); v != 0 {
		cfg.BlockSize = v
	}
	if v, _ := cmd.Flags().GetString("volume-name"); v != "" {
		cfg.VolumeName = v
	}
	if noSparse, _ := cmd.Flags().GetBool("no-sparse-super"); noSparse {
		cfg.Sparse = false
	}

	f, err := os.OpenFile(imgPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return err
	}

	ctx := context.Background()
	err = ext2fs.Mkfs(ctx, f, ext2fs.MkfsOptions{
		BlockSize:   cfg.BlockSize,
		TotalBytes:  size,
		VolumeName:  cfg.VolumeName,
		SparseSuper: cfg.Sparse,
	})
	if err != nil {
		return err
	}

	log.Printf("formatted %s: %d bytes, %d-byte blocks", imgPath, size, cfg.BlockSize)
	return nil
}

func loadMkfsConfigFile(path string) (mkfsConfig, error) {
	var cfg mkfsConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseSize(s string) (int64, error) {
	var n int64
	var unit string
	if _, err := scanSize(s, &n, &unit); err != nil {
		return 0, err
	}
	switch unit {
	case "", "b", "B":
		return n, nil
	case "k", "K", "kb", "KB":
		return n * 1024, nil
	case "m", "M", "mb", "MB":
		return n * 1024 * 1024, nil
	case "g", "G", "gb", "GB":
		return n * 1024 * 1024 * 1024, nil
	default:
		return 0, ext2fs.ErrInvalid()
	}
}

func scanSize(s string, n *int64, unit *string) (int, error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	var num int64
	for _, c := range s[:i] {
		num = num*10 + int64(c-'0')
	}
	*n = num
	*unit = s[i:]
	return i, nil
}
