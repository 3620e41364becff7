package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	ooa "github.com/BigApex/rse-ooa-decrypt"
	"github.com/BigApex/rse-ooa-decrypt/pe"
)

var (
	strict  bool
	verbose bool
	workers int
	summary bool
)

func init() {
	flag.BoolVar(&strict, "strict", false, "Fail on consistency check warnings")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
	flag.IntVar(&workers, "j", 1, "Number of sections to decrypt concurrently")
	flag.BoolVar(&summary, "json", false, "Print a JSON summary of the unpacked image")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <packed.exe> [license.dlf]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

type Info struct {
	Layout     string
	ContentID  string
	EntryPoint uint32
	HeaderSize int
	Key        string
	ImpHash    string
	Overlay    *pe.Overlay
	Sections   []*Section
}

type Section struct {
	Name           string
	MD5            string
	Flags          string
	RawSize        uint32
	VirtualAddress uint32
	VirtualSize    uint32
	Entropy        float64
}

func getSections(f *pe.File) []*Section {
	sections := make([]*Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		sections = append(sections, &Section{
			Name:           s.Name,
			MD5:            s.MD5(),
			Flags:          s.Flags(),
			RawSize:        s.Size,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Entropy:        s.Entropy(),
		})
	}
	return sections
}

// outputPath returns "<stem>-unpacked.exe" in the working directory.
func outputPath(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-unpacked.exe"
}

func run(logger hclog.Logger, input, fallback string) error {
	f, err := pe.Open(input)
	if err != nil {
		return errors.Wrapf(ooa.ErrContainerFormat, "%s: %v", input, err)
	}
	defer f.Close()
	logger.Debug("mapped input", "path", input, "size", f.GetSize(), "sections", len(f.Sections))

	locator := ooa.DefaultLocator(fallback)
	source := func(contentID string) ([]byte, error) {
		data, path, err := locator.Find(contentID)
		if err != nil {
			logger.Error("no license found", "content_id", contentID, "tried", locator.Candidates(contentID))
			return nil, err
		}
		logger.Info("using license", "path", path)
		return data, nil
	}

	u := ooa.New(ooa.Config{Strict: strict, Workers: workers, Logger: logger})
	res, err := u.Unwrap(context.Background(), f.Bytes(), source)
	if err != nil {
		return err
	}

	spew.Dump(res.Descriptor)
	fmt.Printf("%s\n", res.License)
	fmt.Printf("CipherKey: %s\n", hex.EncodeToString(res.Key))

	out := outputPath(input)
	if err := os.WriteFile(out, res.Output, 0o644); err != nil {
		return err
	}
	logger.Info("wrote unpacked image", "path", out, "size", len(res.Output))

	if summary {
		uf, err := pe.NewBytes(res.Output)
		if err != nil {
			return err
		}
		info := Info{
			Layout:     res.Descriptor.Layout,
			ContentID:  res.Descriptor.ContentID,
			EntryPoint: uf.EntryPoint(),
			HeaderSize: len(uf.Header),
			Key:        hex.EncodeToString(res.Key),
			Overlay:    uf.Overlay(),
			Sections:   getSections(uf),
		}
		if res.Verification != nil {
			info.ImpHash = res.Verification.ImpHash
		}
		data, err := json.MarshalIndent(&info, "", "    ")
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", data)
	}
	return nil
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}

	level := hclog.Info
	if verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "ooa",
		Level:  level,
		Output: os.Stderr,
	})

	if err := run(logger, flag.Arg(0), flag.Arg(1)); err != nil {
		logger.Error("unpacking failed", "error", err)
		os.Exit(1)
	}
}
