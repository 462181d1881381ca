package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gadgeter/internal/config"
	"gadgeter/internal/dex"
	"gadgeter/internal/gadget"
	"gadgeter/internal/manifest"
	"gadgeter/internal/pipeline"
	"gadgeter/internal/sign"
)

func cmdPatch(args []string) error {
	fs := newFlagSet("patch")
	jobFile := fs.String("config", "", "YAML job file; flags override its values")
	in := fs.String("in", "", "input APK")
	out := fs.String("out", "", "output APK (default <in>-gadget.apk)")
	libName := fs.String("lib-name", "", "library file name placed in lib/<abi>/ (default "+config.DefaultLibraryName+")")
	source := fs.String("source", "", "library source: remote, local or bundled")
	version := fs.String("version", "", "remote gadget version (default "+gadget.DefaultVersion+")")
	local := fs.String("local", "", "local library file (source local)")
	bundledDir := fs.String("bundled-dir", "", "directory of bundled assets (source bundled)")
	asset := fs.String("asset", "", "bundled asset name")
	abis := fs.StringSlice("abi", nil, "target ABIs (repeatable or comma-separated); default automatic")
	gadgetConfig := fs.String("gadget-config", "", "gadget config file (JSON, comments allowed)")
	defaultConfig := fs.Bool("default-gadget-config", false, "place the built-in gadget config (listen on 27042, wait)")
	noConfig := fs.Bool("no-gadget-config", false, "do not place a gadget config file")
	normalize := fs.Bool("normalize-config", false, "rewrite the gadget config as plain JSON")
	application := fs.String("application", "", "override the application class (skips manifest parsing)")
	activity := fs.String("activity", "", "override the main activity class (skips manifest parsing)")
	workDir := fs.String("work-dir", "", "parent directory for staging")
	forceCleanup := fs.Bool("force-cleanup", false, "remove staging even on failure")
	level := fs.Int("level", 0, "DEFLATE level 1-9 (0 = default)")
	probeInsts := fs.Int("probe-insts", 8, "instructions decoded per placed library (0 disables probing)")
	graphDir := fs.String("graph-dir", "", "write DOT graphs of the patched class here")
	reportDir := fs.String("report-dir", "", "write report.json here")
	java := fs.String("java", "", "java executable")
	baksmali := fs.String("baksmali", "", "baksmali executable or jar")
	smaliTool := fs.String("smali", "", "smali executable or jar")
	jobs := fs.Int("jobs", 0, "converter worker threads")
	api := fs.Int("api", 0, "converter API level")
	apksigner := fs.String("apksigner", "", "apksigner executable")
	zipalign := fs.String("zipalign", "", "zipalign executable; empty skips alignment")
	keytool := fs.String("keytool", "", "keytool executable")
	keystore := fs.String("keystore", "", "keystore; empty generates a debug keystore")
	keyAlias := fs.String("key-alias", "", "key alias")
	storePass := fs.String("store-pass", "", "keystore password")
	keyPass := fs.String("key-pass", "", "key password")
	verify := fs.Bool("verify", false, "run apksigner verify on the output")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" && fs.NArg() > 0 {
		*in = fs.Arg(0)
	}

	job := config.Default()
	if *jobFile != "" {
		var err error
		if job, err = config.Load(*jobFile); err != nil {
			return err
		}
	}

	if *in != "" {
		job.Input = *in
	}
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("out", &job.Output, *out)
	set("lib-name", &job.Library.Name, *libName)
	set("source", &job.Library.Source, *source)
	set("version", &job.Library.Version, *version)
	set("local", &job.Library.Path, *local)
	set("bundled-dir", &job.Library.BundledDir, *bundledDir)
	set("asset", &job.Library.Asset, *asset)
	set("gadget-config", &job.Library.ConfigFile, *gadgetConfig)
	set("work-dir", &job.WorkDir, *workDir)
	set("graph-dir", &job.GraphDir, *graphDir)
	set("report-dir", &job.ReportDir, *reportDir)
	set("java", &job.Tools.Java, *java)
	set("baksmali", &job.Tools.Baksmali, *baksmali)
	set("smali", &job.Tools.Smali, *smaliTool)
	set("apksigner", &job.Signing.Apksigner, *apksigner)
	set("keytool", &job.Signing.Keytool, *keytool)
	set("zipalign", &job.Signing.Zipalign, *zipalign)
	set("keystore", &job.Signing.Keystore, *keystore)
	set("key-alias", &job.Signing.KeyAlias, *keyAlias)
	set("store-pass", &job.Signing.StorePass, *storePass)
	set("key-pass", &job.Signing.KeyPass, *keyPass)
	if fs.Changed("abi") {
		job.Library.ABIs = *abis
	}
	if *defaultConfig && !fs.Changed("gadget-config") {
		job.Library.Config = config.DefaultConfigKeyword
		job.Library.ConfigFile = ""
	}
	if fs.Changed("no-gadget-config") {
		job.Library.NoConfig = *noConfig
	}
	if fs.Changed("normalize-config") {
		job.Library.NormalizeConfig = *normalize
	}
	if fs.Changed("force-cleanup") {
		job.ForceCleanup = *forceCleanup
	}
	if fs.Changed("level") {
		job.Archive.Level = *level
	}
	if fs.Changed("probe-insts") || job.Library.ProbeInsts == nil {
		job.Library.ProbeInsts = probeInsts
	}
	if fs.Changed("jobs") {
		job.Tools.Jobs = *jobs
	}
	if fs.Changed("api") {
		job.Tools.API = *api
	}
	if fs.Changed("verify") {
		job.Signing.Verify = *verify
	}

	log := newLogger(*verbose)
	cfg, warnings, err := job.Pipeline()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Converter: dex.Tools{
			Java:     job.Tools.Java,
			Baksmali: job.Tools.Baksmali,
			Smali:    job.Tools.Smali,
			Jobs:     job.Tools.Jobs,
			API:      job.Tools.API,
			Logger:   log,
		},
		Signer: &sign.Apksigner{
			Apksigner:   job.Signing.Apksigner,
			Zipalign:    job.Signing.Zipalign,
			Keytool:     job.Signing.Keytool,
			Keystore:    job.Signing.Keystore,
			KeyAlias:    job.Signing.KeyAlias,
			StorePass:   job.Signing.StorePass,
			KeyPass:     job.Signing.KeyPass,
			KeystoreDir: keystoreDir(job.Signing.KeystoreDir),
			Verify:      job.Signing.Verify,
			Logger:      log,
		},
		Fetcher: &gadget.HTTPFetcher{},
		Logger:  log,
	}
	if *application != "" || *activity != "" {
		deps.Resolver = manifest.Static{Application: *application, MainActivity: *activity}
	}
	if job.Library.BundledDir != "" {
		deps.Bundled = os.DirFS(job.Library.BundledDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pp := &progressPrinter{w: os.Stdout, tty: isTerminal(os.Stdout)}
	res, err := pipeline.Run(ctx, cfg, deps, pp.update)
	pp.finish()
	if err != nil {
		if res != nil && res.Staging != "" {
			log.Info("staging directory kept for inspection", "dir", res.Staging)
		}
		return err
	}

	fmt.Printf("Output:    %s\n", res.Output)
	fmt.Printf("Injected:  %s (%s, register v%d)\n", res.Injection.Class, res.Injection.Unit, res.Injection.Patch.Register)
	fmt.Printf("Libraries: %d/%d ABIs\n", res.Libraries.Placed(), len(res.Libraries.Placements))
	for _, pl := range res.Libraries.Placements {
		status := "ok"
		if !pl.OK() {
			status = pl.Error
		} else if pl.Warning != "" {
			status = "warning: " + pl.Warning
		}
		fmt.Printf("  %-12s %s\n", pl.ABI, status)
	}
	fmt.Printf("Entries:   %d (%d stored)\n", res.Entries, res.Stored)
	fmt.Printf("BLAKE3:    %s\n", res.BLAKE3)
	return nil
}

// keystoreDir defaults the generated debug keystore location to the
// user config directory.
func keystoreDir(dir string) string {
	if dir != "" {
		return dir
	}
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "gadgeter")
	}
	return "."
}
