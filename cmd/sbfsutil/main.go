// Command sbfsutil exercises the downcall surface of a mounted image from
// the shell: format, mkdir, ls, cat, write, rm, stat. It has no kernel-
// facing FUSE adapter; that is left to whatever embeds this module.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/sbfs/disks"
	"github.com/dargueta/sbfs/drivers/sbfs"
	"github.com/dargueta/sbfs/file_systems/blockfs"
)

const defaultCacheBlocks = 256
const defaultPathCacheBytes = 64 * 1024

func main() {
	app := cli.App{
		Name:  "sbfsutil",
		Usage: "Inspect and manipulate simulated block-addressed file system images",
		Commands: []*cli.Command{
			formatCommand,
			mkdirCommand,
			lsCommand,
			catCommand,
			writeCommand,
			rmCommand,
			statCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("sbfsutil: %s", err.Error())
	}
}

func openDriver(ctx *cli.Context) (*sbfs.Driver, *os.File, error) {
	path := ctx.Args().First()
	if path == "" {
		return nil, nil, cli.Exit("missing image path", 1)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	blockSize := uint32(ctx.Uint("block-size"))
	if blockSize == 0 {
		blockSize = blockfs.DefaultBlockSize
	}
	totalBlocks := uint32(info.Size() / int64(blockSize))

	drv, err := sbfs.Mount(f, totalBlocks, blockSize, defaultCacheBlocks, defaultPathCacheBytes)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return drv, f, nil
}

var formatCommand = &cli.Command{
	Name:      "format",
	Usage:     "Create or wipe an image",
	ArgsUsage: "IMAGE_PATH",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "preset", Usage: "predefined geometry slug from disks.GetPredefinedGeometry"},
		&cli.Uint64Flag{Name: "block-size", Value: blockfs.DefaultBlockSize},
		&cli.Uint64Flag{Name: "total-blocks"},
		&cli.Uint64Flag{Name: "inode-bitmap-blocks", Value: 4},
	},
	Action: func(ctx *cli.Context) error {
		path := ctx.Args().First()
		if path == "" {
			return cli.Exit("missing image path", 1)
		}

		blockSize := uint32(ctx.Uint64("block-size"))
		totalBlocks := uint32(ctx.Uint64("total-blocks"))

		if preset := ctx.String("preset"); preset != "" {
			geom, err := disks.GetPredefinedGeometry(preset)
			if err != nil {
				return err
			}
			totalBlocks = uint32(geom.TotalSizeBytes / int64(blockSize))
		}
		if totalBlocks == 0 {
			return cli.Exit("either --total-blocks or --preset must be given", 1)
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()

		// Pre-size the file so Device's block-range checks see the full
		// image, rather than growing it one seek/write at a time.
		if err := f.Truncate(int64(totalBlocks) * int64(blockSize)); err != nil {
			return err
		}

		opts := blockfs.CreateOptions{
			BlockSize:         blockSize,
			TotalBlocks:       totalBlocks,
			InodeBitmapBlocks: uint32(ctx.Uint64("inode-bitmap-blocks")),
			CacheBlocks:       defaultCacheBlocks,
		}
		_, err = sbfs.Format(f, opts, defaultPathCacheBytes)
		return err
	},
}

var mkdirCommand = &cli.Command{
	Name:      "mkdir",
	Usage:     "Create an empty directory",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		if target == "" {
			return cli.Exit("missing target path", 1)
		}
		return drv.Mkdir(target, 0755, 0, 0)
	},
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "List a directory's entries",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		if target == "" {
			target = "/"
		}
		return drv.Readdir(target, func(name string) bool {
			fmt.Println(name)
			return true
		})
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "Print a file's contents to stdout",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		ino, err := drv.Open(target)
		if err != nil {
			return err
		}
		stat, err := drv.Getattr(ino)
		if err != nil {
			return err
		}

		buf := make([]byte, stat.Size)
		if _, err := drv.Read(ino, 0, buf); err != nil {
			return err
		}
		_, err = os.Stdout.Write(buf)
		return err
	},
}

var writeCommand = &cli.Command{
	Name:      "write",
	Usage:     "Write stdin to a file, creating it if needed",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		if target == "" {
			return cli.Exit("missing target path", 1)
		}

		ino, err := drv.Open(target)
		if err != nil {
			if err := drv.Create(target, 0644, 0, 0); err != nil {
				return err
			}
			ino, err = drv.Open(target)
			if err != nil {
				return err
			}
		}

		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		_, err = drv.Write(ino, 0, data)
		return err
	},
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "Remove a file or empty directory",
	ArgsUsage: "IMAGE_PATH PATH",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dir", Usage: "target is a directory"},
	},
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		if target == "" {
			return cli.Exit("missing target path", 1)
		}
		if ctx.Bool("dir") {
			return drv.Rmdir(target)
		}
		return drv.Unlink(target)
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "Print a file's metadata",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(ctx *cli.Context) error {
		drv, f, err := openDriver(ctx)
		if err != nil {
			return err
		}
		defer f.Close()

		target := ctx.Args().Get(1)
		if target == "" {
			target = "/"
		}
		ino, err := drv.Open(target)
		if err != nil {
			return err
		}
		stat, err := drv.Getattr(ino)
		if err != nil {
			return err
		}

		fmt.Printf("inode:   %d\n", stat.InodeNumber)
		fmt.Printf("links:   %d\n", stat.Nlinks)
		fmt.Printf("mode:    %s\n", stat.ModeFlags)
		fmt.Printf("uid/gid: %d/%d\n", stat.Uid, stat.Gid)
		fmt.Printf("size:    %d bytes (%d blocks of %d)\n", stat.Size, stat.NumBlocks, stat.BlockSize)
		fmt.Printf("changed: %s\n", stat.LastChanged.Format(time.RFC3339))
		fmt.Printf("modified: %s\n", stat.LastModified.Format(time.RFC3339))
		fmt.Printf("accessed: %s\n", stat.LastAccessed.Format(time.RFC3339))
		return nil
	},
}

