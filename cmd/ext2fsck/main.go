// Command ext2fsck runs the offline integrity checker against an
// ext2fuse image and prints its findings.
//
//	ext2fsck [-p password] [-dump-super] IMAGE
//
// The exit status is 0 for a clean image, 1 when any error-severity
// finding was reported, 2 for usage or I/O problems.
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/lucidfs/ext2fuse/filesystem/ext2"
	"github.com/lucidfs/ext2fuse/fsck"
	"github.com/lucidfs/ext2fuse/util"
)

func main() {
	password := flag.String("p", "", "password the image was formatted with")
	dumpSuper := flag.Bool("dump-super", false, "hex-dump the raw superblock region before checking")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] IMAGE\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	image := flag.Arg(0)

	log := logrus.StandardLogger()
	log.SetLevel(logrus.WarnLevel)
	log.ExitFunc = func(int) { os.Exit(2) }

	if *dumpSuper {
		f, err := os.Open(image)
		if err != nil {
			log.WithError(err).Fatal("cannot open image")
		}
		raw := make([]byte, 256)
		if _, err := f.ReadAt(raw, 0); err != nil {
			f.Close()
			log.WithError(err).Fatal("cannot read superblock region")
		}
		f.Close()
		fmt.Print(util.Dump(raw))
	}

	eng, err := ext2.Mount(image, ext2.Options{Password: *password, Log: log})
	if err != nil {
		log.WithError(err).Fatal("mount for checking failed")
	}
	defer eng.Unmount()

	report, err := fsck.Check(eng)
	if err != nil {
		log.WithError(err).Fatal("check aborted")
	}
	for _, f := range report.Findings {
		fmt.Println(f)
	}
	if report.Clean() {
		fmt.Println("clean")
		return
	}
	_ = eng.Unmount()
	os.Exit(1)
}
