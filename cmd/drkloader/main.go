package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modulexcite/drk/internal/config"
	"github.com/modulexcite/drk/internal/elffile"
	"github.com/modulexcite/drk/internal/loader"
	"github.com/modulexcite/drk/internal/log"
	"github.com/modulexcite/drk/internal/vmm"
)

var (
	verbose    bool
	configPath string
	libDirs    []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drkloader",
		Short: "Inspect and exercise the runtime's private library loader",
		Long: `drkloader drives the private shared-library loader outside the
instrumentation runtime: it parses shared objects the way the loader
does, resolves names through the loader's search order, and can map a
library's segments into this process.

Examples:
  drkloader info libclient.so          # parsed dynamic section and TLS template
  drkloader resolve libm.so.6          # where the loader would find it
  drkloader load ./libclient.so        # map segments and report the image range`,
		DisableFlagsInUseLine: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "loader config file")
	rootCmd.PersistentFlags().StringSliceVarP(&libDirs, "libdir", "L", nil, "extra client library directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show parsed loader-relevant information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a library name through the search paths",
		Args:  cobra.ExactArgs(1),
		RunE:  resolveName,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "load <binary.so>",
		Short: "Map a library's segments into this process",
		Args:  cobra.ExactArgs(1),
		RunE:  loadLibrary,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	f, err := elffile.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("machine:   %v\n", f.Header.Machine)
	fmt.Printf("type:      %v\n", f.Header.Type)
	if f.Dynamic.Soname != "" {
		fmt.Printf("soname:    %s\n", f.Dynamic.Soname)
	}
	for _, dep := range f.Dynamic.Needed {
		fmt.Printf("needed:    %s\n", dep)
	}
	lo, hi, _ := elffile.VaddrBounds(f.Phs)
	fmt.Printf("image:     %#x-%#x (%d bytes)\n", lo, hi, hi-lo)
	if f.Dynamic.Init != 0 {
		fmt.Printf("init:      %#x\n", f.Dynamic.Init)
	}
	if f.Dynamic.InitArray != 0 {
		fmt.Printf("initarray: %#x (%d entries)\n", f.Dynamic.InitArray,
			f.Dynamic.InitArraySz/elffile.WordSize)
	}
	if f.Dynamic.Fini != 0 {
		fmt.Printf("fini:      %#x\n", f.Dynamic.Fini)
	}
	if f.Dynamic.Rel != 0 {
		fmt.Printf("rel:       %#x (%d bytes)\n", f.Dynamic.Rel, f.Dynamic.RelSz)
	}
	if f.Dynamic.Rela != 0 {
		fmt.Printf("rela:      %#x (%d bytes)\n", f.Dynamic.Rela, f.Dynamic.RelaSz)
	}
	if f.Dynamic.JmpRel != 0 {
		fmt.Printf("jmprel:    %#x (%d bytes)\n", f.Dynamic.JmpRel, f.Dynamic.PltRelSz)
	}
	if f.TLS.Present {
		fmt.Printf("tls:       image %d bytes, block %d bytes, align %d\n",
			f.TLS.ImageSize, f.TLS.BlockSize, f.TLS.Align)
	}
	return nil
}

func newLoader() (*loader.Loader, error) {
	log.Init(verbose)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ClientLibDirs = append(cfg.ClientLibDirs, libDirs...)

	osPrim := vmm.NewOS()
	areas := vmm.NewAreas()
	adapter := &vmm.Adapter{
		OS:        osPrim,
		Tracked:   vmm.NewTracked(osPrim, areas),
		HeapReady: func() bool { return false },
	}
	return loader.New(hostRuntime{}, cfg, adapter, areas, log.L), nil
}

func resolveName(cmd *cobra.Command, args []string) error {
	l, err := newLoader()
	if err != nil {
		return err
	}
	path, err := l.Locate(args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func loadLibrary(cmd *cobra.Command, args []string) error {
	l, err := newLoader()
	if err != nil {
		return err
	}
	base, size, err := l.MapAndRelocate(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("mapped %s at %#x-%#x (%d bytes)\n", args[0], base, base+size, size)
	return nil
}

// hostRuntime is the minimal runtime handle for standalone inspection:
// no runtime image, no TLS segment, no native thunks.
type hostRuntime struct{}

func (hostRuntime) ImageInfo() (uintptr, uintptr, string, string) { return 0, 0, "", "" }
func (hostRuntime) TLSSegmentBase() uintptr                       { return 0 }
func (hostRuntime) HeapMmap(size uintptr) uintptr                 { return 0 }
func (hostRuntime) HeapMunmap(addr, size uintptr)                 {}
func (hostRuntime) CallLibFunc(fn uintptr)                        {}
func (hostRuntime) CallIFunc(fn uintptr) uintptr                  { return 0 }
func (hostRuntime) Redirects() map[string]uintptr                 { return nil }
func (hostRuntime) Dlsym(base uintptr, name string) uintptr       { return 0 }
