// Command badgevfs inspects and manipulates filesystem images through the
// VFS layer: listing directories, reading and writing files, and decoding
// partition tables.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/badgeteam/badgevfs/internal/logger"
	"github.com/badgeteam/badgevfs/pkg/blockdev"
	"github.com/badgeteam/badgevfs/pkg/config"
	"github.com/badgeteam/badgevfs/pkg/media"
	"github.com/badgeteam/badgevfs/pkg/metrics"
	"github.com/badgeteam/badgevfs/pkg/part"
	"github.com/badgeteam/badgevfs/pkg/vfs"

	_ "github.com/badgeteam/badgevfs/pkg/fs/ext2"
	_ "github.com/badgeteam/badgevfs/pkg/fs/fatfs"
	_ "github.com/badgeteam/badgevfs/pkg/fs/ramfs"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	dirColor    = color.New(color.FgBlue, color.Bold)
	linkColor   = color.New(color.FgMagenta)
	devColor    = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)
)

const usage = `badgevfs - filesystem image tool

Usage:
  badgevfs <command> [flags] [args]

Commands:
  parts    decode the partition table of an image
  mounts   show the mount table
  ls       list a directory
  stat     show file statistics
  cat      print file content to stdout
  cp       copy a host file into the image
  mkdir    create a directory
  rm       remove a file (or a directory with -dir)

Common flags:
  -image PATH    mount a raw image file at / (filesystem auto-detected)
  -config PATH   use a configuration file instead of -image
  -log-level L   override the log level (DEBUG, INFO, WARN, ERROR)

Run 'badgevfs <command> -h' for command-specific flags.
`

func fatalf(format string, v ...any) {
	errorColor.Fprintf(os.Stderr, "badgevfs: "+format+"\n", v...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "parts":
		cmdParts(args)
	case "mounts":
		cmdMounts(args)
	case "ls":
		cmdLs(args)
	case "stat":
		cmdStat(args)
	case "cat":
		cmdCat(args)
	case "cp":
		cmdCp(args)
	case "mkdir":
		cmdMkdir(args)
	case "rm":
		cmdRm(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fatalf("unknown command %q (try 'badgevfs help')", cmd)
	}
}

// commonFlags are the flags shared by every command that opens a session.
type commonFlags struct {
	image    string
	config   string
	logLevel string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.image, "image", "", "raw image file to mount at /")
	fs.StringVar(&c.config, "config", "", "configuration file path")
	fs.StringVar(&c.logLevel, "log-level", "", "log level override")
}

// session is an opened mount table plus the devices backing it.
type session struct {
	ctx     *vfs.Context
	devices map[string]blockdev.Device
}

// openSession builds a vfs context from either a single image file or a
// full configuration.
func openSession(c *commonFlags) (*session, error) {
	var cfg *config.Config
	if c.image != "" {
		cfg = &config.Config{
			Devices: []config.DeviceConfig{{
				Name: "image",
				Type: "file",
				File: map[string]any{"path": c.image},
			}},
			Mounts: []config.MountConfig{{
				Path:   "/",
				Type:   "auto",
				Device: "image",
			}},
		}
		config.ApplyDefaults(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	} else {
		loaded, err := config.Load(c.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		logger.SetLevel(c.logLevel)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	devices, err := config.CreateDevices(cfg.Devices)
	if err != nil {
		return nil, err
	}

	ctx := vfs.NewContext(metrics.NewVfsMetrics())
	if err := config.ApplyMounts(ctx, devices, cfg.Mounts); err != nil {
		config.CloseDevices(devices)
		return nil, err
	}

	return &session{ctx: ctx, devices: devices}, nil
}

// close flushes everything and releases the devices.
func (s *session) close() {
	if err := s.ctx.Sync(); err != nil {
		logger.Warn("sync: %v", err)
	}
	config.CloseDevices(s.devices)
}

func cmdParts(args []string) {
	fs := flag.NewFlagSet("parts", flag.ExitOnError)
	image := fs.String("image", "", "raw image file")
	fs.Parse(args)
	if *image == "" {
		fatalf("parts: -image is required")
	}

	dev, err := blockdev.OpenFileDevice(*image, true)
	if err != nil {
		fatalf("%v", err)
	}
	defer dev.Close()

	vol, err := part.Detect(media.NewBlock(dev))
	if err != nil {
		fatalf("no partition table found in %s: %v", *image, err)
	}

	headerColor.Printf("%s partition table", vol.Table)
	if vol.Table == "gpt" {
		fmt.Printf("  disk %s", vol.DiskID)
	}
	fmt.Println()
	for _, p := range vol.Partitions {
		fmt.Printf("%3d  %12d  %12d", p.Index+1, p.Offset, p.Size)
		if vol.Table == "gpt" {
			fmt.Printf("  %s  %q", p.TypeGUID, p.Name)
		} else {
			fmt.Printf("  type 0x%02x", p.TypeByte)
		}
		if p.ReadOnly {
			devColor.Print("  ro")
		}
		fmt.Println()
	}
}

func cmdMounts(args []string) {
	fs := flag.NewFlagSet("mounts", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	fs.Parse(args)

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	for _, m := range s.ctx.Mounts() {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		fmt.Printf("%-4s %s\n", mode, m.Path)
	}
}

func cmdLs(args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	long := fs.Bool("l", false, "long listing with inode and type")
	fs.Parse(args)
	path := "/"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	f, err := s.ctx.Open(path, vfs.OpenRead|vfs.OpenDirOnly)
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	defer f.Close()

	ents, err := f.ReadDir()
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	for _, e := range ents {
		if *long {
			fmt.Printf("%10d  %-9s  ", e.Ino, e.Type)
		}
		printName(e)
		fmt.Println()
	}
}

// printName writes the entry name in the color of its node type.
func printName(e vfs.Dirent) {
	switch e.Type {
	case vfs.TypeDirectory:
		dirColor.Print(e.Name)
	case vfs.TypeSymlink:
		linkColor.Print(e.Name)
	case vfs.TypeCharDev, vfs.TypeBlockDev, vfs.TypeFifo, vfs.TypeUnixSocket:
		devColor.Print(e.Name)
	default:
		fmt.Print(e.Name)
	}
}

func cmdStat(args []string) {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	nofollow := fs.Bool("nofollow", false, "do not follow a final symlink")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("stat: exactly one path required")
	}
	path := fs.Arg(0)

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	flags := vfs.OpenRead
	if *nofollow {
		flags |= vfs.OpenNoFollow
	}
	f, err := s.ctx.Open(path, flags)
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		fatalf("%s: %v", path, err)
	}

	headerColor.Println(path)
	fmt.Printf("  type    %s\n", vfs.TypeFromMode(st.Mode))
	fmt.Printf("  mode    %04o\n", st.Mode&0o7777)
	fmt.Printf("  inode   %d\n", st.Ino)
	fmt.Printf("  links   %d\n", st.Nlink)
	fmt.Printf("  owner   %d:%d\n", st.UID, st.GID)
	fmt.Printf("  size    %d\n", st.Size)
	fmt.Printf("  blocks  %d (blksize %d)\n", st.Blocks, st.Blksize)
	if st.Rdev != 0 {
		fmt.Printf("  rdev    0x%x\n", st.Rdev)
	}
	if !st.Mtime.IsZero() {
		fmt.Printf("  mtime   %s\n", st.Mtime.Format("2006-01-02 15:04:05"))
	}
}

func cmdCat(args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("cat: exactly one path required")
	}
	path := fs.Arg(0)

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	f, err := s.ctx.Open(path, vfs.OpenRead|vfs.OpenFileOnly)
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				fatalf("stdout: %v", werr)
			}
		}
		if err == io.EOF || n == 0 {
			return
		}
		if err != nil {
			fatalf("%s: %v", path, err)
		}
	}
}

func cmdCp(args []string) {
	fs := flag.NewFlagSet("cp", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	fs.Parse(args)
	if fs.NArg() != 2 {
		fatalf("cp: usage: cp <host-file> <image-path>")
	}
	src, dst := fs.Arg(0), fs.Arg(1)

	data, err := os.ReadFile(src)
	if err != nil {
		fatalf("%v", err)
	}

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	f, err := s.ctx.Open(dst, vfs.OpenWrite|vfs.OpenCreate|vfs.OpenTruncate|vfs.OpenFileOnly)
	if err != nil {
		fatalf("%s: %v", dst, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		fatalf("%s: %v", dst, err)
	}
	fmt.Printf("copied %d bytes to %s\n", len(data), dst)
}

func cmdMkdir(args []string) {
	fs := flag.NewFlagSet("mkdir", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("mkdir: exactly one path required")
	}
	path := fs.Arg(0)

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	if err := s.ctx.MakeFile(path, vfs.DirectorySpec()); err != nil {
		fatalf("%s: %v", path, err)
	}
}

func cmdRm(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	rmdir := fs.Bool("dir", false, "remove an empty directory")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("rm: exactly one path required")
	}
	path := fs.Arg(0)

	s, err := openSession(&c)
	if err != nil {
		fatalf("%v", err)
	}
	defer s.close()

	if err := s.ctx.Unlink(path, *rmdir); err != nil {
		fatalf("%s: %v", path, err)
	}
}
