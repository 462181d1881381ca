package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"gadgeter/internal/apkzip"
	"gadgeter/internal/callgraph"
	"gadgeter/internal/config"
	"gadgeter/internal/elfx"
	"gadgeter/internal/gadget"
	"gadgeter/internal/smali"
)

func cmdInject(args []string) error {
	fs := newFlagSet("inject")
	file := fs.String("file", "", "smali file to patch in place")
	lib := fs.String("lib", config.DefaultLibraryName, "library file name; the loadLibrary argument is derived from it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	if _, err := os.Stat(*file); err != nil {
		return err
	}
	name, _ := config.NormalizeLibraryName(*lib)
	res, err := smali.InjectFile(*file, smali.LoadName(name))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func cmdUnpack(args []string) error {
	fs := newFlagSet("unpack")
	in := fs.String("in", "", "input archive")
	out := fs.String("out", "", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return fmt.Errorf("--in and --out are required")
	}
	pp := &progressPrinter{w: os.Stdout, tty: isTerminal(os.Stdout)}
	n, err := apkzip.Extract(context.Background(), *in, *out, pp.update)
	pp.finish()
	if err != nil {
		return err
	}
	fmt.Printf("Extracted %d entries to %s\n", n, *out)
	return nil
}

func cmdPack(args []string) error {
	fs := newFlagSet("pack")
	in := fs.String("in", "", "source directory")
	out := fs.String("out", "", "output archive")
	level := fs.Int("level", 0, "DEFLATE level 1-9 (0 = default)")
	list := fs.Bool("list", false, "print every written entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return fmt.Errorf("--in and --out are required")
	}
	pp := &progressPrinter{w: os.Stdout, tty: isTerminal(os.Stdout)}
	entries, err := apkzip.Build(context.Background(), *in, *out, apkzip.BuildOptions{Level: *level}, pp.update)
	pp.finish()
	if err != nil {
		return err
	}
	stored := 0
	for _, e := range entries {
		method := "deflate"
		if e.Method == 0 {
			method = "stored"
			stored++
		}
		if *list {
			fmt.Printf("%-8s %08x %10d  %s\n", method, e.CRC32, e.Size, e.Name)
		}
	}
	fmt.Printf("Wrote %d entries (%d stored) to %s\n", len(entries), stored, *out)
	return nil
}

func cmdProbe(args []string) error {
	fs := newFlagSet("probe")
	lib := fs.String("lib", "", "native library")
	n := fs.Int("n", 16, "instructions to decode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lib == "" {
		return fmt.Errorf("--lib is required")
	}
	p, err := elfx.ProbeFile(*lib, *n)
	if p == nil {
		return err
	}
	sum, derr := fileDigest(*lib)
	if derr != nil {
		return derr
	}
	fmt.Printf("ABI:     %s\n", p.ABI)
	fmt.Printf("Size:    %d\n", p.Size)
	fmt.Printf("BLAKE3:  %s\n", sum)
	if err != nil {
		fmt.Printf("Entry:   (%v)\n", err)
		return nil
	}
	fmt.Printf("Entry:   %s @ 0x%x (%s)\n\n", p.Entry, p.Addr, p.Mode)
	fmt.Print(p.Listed)
	return nil
}

func cmdGraph(args []string) error {
	fs := newFlagSet("graph")
	file := fs.String("smali", "", "smali class file")
	outDir := fs.String("out", "", "output directory for DOT files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" || *outDir == "" {
		return fmt.Errorf("--smali and --out are required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	c := smali.Parse(string(data))
	base := strings.TrimSuffix(filepath.Base(*file), ".smali")
	paths, err := callgraph.WriteDOT(*outDir, base, c)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func cmdVersions(args []string) error {
	fs := newFlagSet("versions")
	api := fs.String("api", gadget.DefaultReleasesAPI, "releases API URL")
	limit := fs.Int("limit", 20, "maximum versions to print (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	versions, err := gadget.ListVersions(context.Background(), nil, *api)
	if err != nil {
		return err
	}
	if *limit > 0 && len(versions) > *limit {
		versions = versions[:*limit]
	}
	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}

func cmdConfig(args []string) error {
	fs := newFlagSet("config")
	job := fs.Bool("job", false, "print a default YAML job file instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*job {
		fmt.Print(config.DefaultGadgetConfig)
		return nil
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(config.Default()); err != nil {
		return err
	}
	return enc.Close()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
