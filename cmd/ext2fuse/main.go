// Command ext2fuse mounts an ext2fuse image through FUSE. The bridge
// here is deliberately thin: every kernel request becomes exactly one
// engine call; all filesystem logic lives in filesystem/ext2.
//
//	ext2fuse [-p password] [-mkfs [-size MiB]] IMAGE MOUNTPOINT
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/lucidfs/ext2fuse/filesystem/ext2"
)

func main() {
	password := flag.String("p", "", "password for at-rest encryption (empty disables the cipher)")
	mkfs := flag.Bool("mkfs", false, "format a fresh image at IMAGE before mounting")
	sizeMiB := flag.Int64("size", 1024, "image size in MiB when formatting with -mkfs")
	cacheBlocks := flag.Int("cache-blocks", 0, "block cache capacity (0 uses the default)")
	debug := flag.Bool("debug", false, "log FUSE traffic and engine debug output")
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] IMAGE MOUNTPOINT\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	image, mountpoint := flag.Arg(0), flag.Arg(1)

	log := logrus.StandardLogger()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := ext2.Options{Password: *password, CacheBlocks: *cacheBlocks, Log: log}
	var (
		eng *ext2.Engine
		err error
	)
	if *mkfs {
		eng, err = ext2.Format(image, *sizeMiB<<20, opts)
	} else {
		eng, err = ext2.Mount(image, opts)
	}
	if err != nil {
		log.WithError(err).Fatal("cannot open image")
	}

	server, err := fs.Mount(mountpoint, newRoot(eng), &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: image,
			Name:   "ext2fuse",
			Debug:  *debug,
		},
	})
	if err != nil {
		_ = eng.Unmount()
		log.WithError(err).Fatal("FUSE mount failed")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("signal received, unmounting")
		_ = server.Unmount()
	}()

	server.Wait()
	if err := eng.Unmount(); err != nil {
		log.WithError(err).Fatal("engine unmount failed")
	}
}
