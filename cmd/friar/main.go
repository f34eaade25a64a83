// Friar CLI - loads, verifies, disassembles, mines, and runs Lama bytecode.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/config"
	"github.com/slowlime/friar/pkg/disas"
	"github.com/slowlime/friar/pkg/idiom"
	"github.com/slowlime/friar/pkg/interp"
	"github.com/slowlime/friar/pkg/loader"
	"github.com/slowlime/friar/pkg/modcache"
	"github.com/slowlime/friar/pkg/timing"
	"github.com/slowlime/friar/pkg/verify"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("friar")

func main() {
	var (
		timeFlag    bool
		verboseFlag bool
		mode        string
	)

	flag.BoolVar(&timeFlag, "t", false, "Measure the execution time")
	flag.BoolVar(&timeFlag, "time", false, "Measure the execution time")
	flag.BoolVar(&verboseFlag, "v", false, "Verbose output")
	flag.BoolVar(&verboseFlag, "verbose", false, "Verbose output")
	flag.StringVar(&mode, "mode", "run", "Execution mode: disas, verify, idiom, or run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: friar [-h] [-t] [-v] [--mode=MODE] [--] <input>\n\n")
		fmt.Fprintf(os.Stderr, "  <input>       A path to the Lama bytecode file to interpret.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fmt.Fprintf(os.Stderr, "  -h, --help    Print this help message.\n")
		fmt.Fprintf(os.Stderr, "  -t, --time    Measure the execution time.\n")
		fmt.Fprintf(os.Stderr, "  -v, --verbose Enable verbose diagnostics.\n")
		fmt.Fprintf(os.Stderr, "  --mode=MODE   Select the execution mode. Available choices:\n")
		fmt.Fprintf(os.Stderr, "                - disas: disassemble the bytecode and exit.\n")
		fmt.Fprintf(os.Stderr, "                - verify: only perform bytecode verification.\n")
		fmt.Fprintf(os.Stderr, "                - idiom: search for bytecode idioms.\n")
		fmt.Fprintf(os.Stderr, "                - run: execute the bytecode (default).\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		if flag.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "No input path given.")
		} else {
			fmt.Fprintf(os.Stderr, "Unexpected positional argument: %s\n", flag.Arg(1))
		}
		flag.Usage()
		os.Exit(2)
	}

	switch mode {
	case "disas", "verify", "idiom", "run":
	default:
		fmt.Fprintf(os.Stderr, "Unrecognized mode: %s\n", mode)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Discover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := cfg.Log.Verbosity
	if verboseFlag {
		verbosity++
	}
	commonlog.Configure(verbosity, nil)

	timings := timing.Timings{Enabled: timeFlag}

	if err := dispatch(mode, flag.Arg(0), cfg, &timings); err != nil {
		if rerr, ok := err.(*interp.RuntimeError); ok {
			fmt.Fprintf(os.Stderr, "Error: %s\n", rerr.Format())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	if timeFlag {
		timings.Report(os.Stderr)
	}
}

func dispatch(mode, input string, cfg config.Config, timings *timing.Timings) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	var mod *bytecode.Module

	err = timings.Measure("load", func() error {
		var err error
		mod, err = loader.Load(input, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return err
	}

	log.Debugf("loaded %s: %d globals, %d symbols, %d bytecode bytes",
		mod.Name, mod.GlobalCount, len(mod.Symtab), len(mod.Bytecode))

	if mode == "disas" {
		return timings.Measure("disas", func() error {
			if err := disas.Disassemble(mod.Bytecode, os.Stdout, disas.Listing()); err != nil {
				return err
			}
			_, err := fmt.Println()
			return err
		})
	}

	var info *verify.ModuleInfo

	err = timings.Measure("verify", func() error {
		var err error
		info, err = verifyWithCache(mod, data, cfg)
		return err
	})
	if err != nil {
		return err
	}

	switch mode {
	case "verify":
		return nil

	case "idiom":
		return timings.Measure("idiom", func() error {
			return reportIdioms(mod, info)
		})

	case "run":
		ip := interp.New(mod, info, os.Stdin, os.Stdout,
			interp.WithMaxStack(cfg.Interp.MaxStack),
			interp.WithReadPrompt(cfg.Interp.ReadPrompt))

		return timings.Measure("run", ip.Run)
	}

	return nil
}

// verifyWithCache consults the verification cache when enabled; cache
// failures degrade to a plain verification.
func verifyWithCache(mod *bytecode.Module, data []byte, cfg config.Config) (*verify.ModuleInfo, error) {
	if !cfg.Cache.Enabled {
		return verify.Verify(mod)
	}

	cache := modcache.Open(cfg.Cache.Dir)
	key := modcache.Key(data)

	if info, err := cache.Get(key); err != nil {
		log.Errorf("cache lookup failed: %v", err)
	} else if info != nil {
		log.Infof("verification cache hit for %s", mod.Name)
		return info, nil
	}

	info, err := verify.Verify(mod)
	if err != nil {
		return nil, err
	}

	if err := cache.Put(key, info); err != nil {
		log.Errorf("cache store failed: %v", err)
	}

	return info, nil
}

func reportIdioms(mod *bytecode.Module, info *verify.ModuleInfo) error {
	idioms := idiom.Find(mod, info)

	for _, id := range idioms {
		if _, err := fmt.Printf("%d  ", id.Count); err != nil {
			return err
		}
		if err := disas.Disassemble(id.Span, os.Stdout, disas.Inline()); err != nil {
			return err
		}
		if _, err := fmt.Println(); err != nil {
			return err
		}
	}

	return nil
}
