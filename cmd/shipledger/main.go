package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/karasz/shipledger"
	"github.com/karasz/shipledger/guard"
	"github.com/karasz/shipledger/internal/config"
	"github.com/karasz/shipledger/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Guard hooks, replaced in tests.
var (
	guardPlatform guard.Platform
	guardExit     = os.Exit
)

type env struct {
	cfg    *config.Config
	logger log.Logger
	out    io.Writer
	errOut io.Writer
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	global := flag.NewFlagSet("shipledger", flag.ContinueOnError)
	global.SetOutput(errOut)
	configPath := global.String("config", "", "path to shipledger.yaml")
	noColor := global.Bool("no-color", false, "disable coloured output")
	global.Usage = func() { printUsage(errOut) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if *noColor {
		color.NoColor = true
	}
	args = global.Args()
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(out)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	logger, err := logging.New(errOut, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(errOut, "logging: %v\n", err)
		return 1
	}

	if cfg.Guard.Enabled {
		guard.Install(guard.Config{
			Platform:          guardPlatform,
			Exit:              guardExit,
			RecheckInterval:   time.Duration(cfg.Guard.RecheckSeconds) * time.Second,
			DebugPollInterval: time.Duration(cfg.Guard.DebugPollSeconds) * time.Second,
			Logger:            logger,
			Notify: func(v guard.Violation) {
				fmt.Fprintln(errOut, color.RedString("Application protection: %s", v.Reason))
			},
		})
		if guard.CurrentState() == guard.ShuttingDown {
			return 1
		}
	}

	e := &env{cfg: cfg, logger: logger, out: out, errOut: errOut}
	switch args[0] {
	case "view":
		return e.cmdView(args[1:])
	case "add":
		return e.cmdAdd(args[1:])
	case "list":
		return e.cmdList(args[1:])
	case "export":
		return e.cmdExport(args[1:])
	case "reset":
		return e.cmdReset(args[1:])
	case "seal":
		return e.cmdSeal(args[1:], true)
	case "unseal":
		return e.cmdSeal(args[1:], false)
	case "serve":
		return e.cmdServe(args[1:])
	case "verify-remote":
		return e.cmdVerifyRemote(args[1:])
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "shipledger: shipment ledger producer and viewer")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  shipledger [-config <file>] [-no-color] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  view [-check] [<file>]                      load a plain or sealed ledger and show its chain")
	fmt.Fprintln(w, "  add -article <10 digits> -quantity <n> [-timestamp <unix>]")
	fmt.Fprintln(w, "  list                                        show records in the journal")
	fmt.Fprintln(w, "  export [-o <file>]                          write <file> and <file>.enc from the journal")
	fmt.Fprintln(w, "  reset                                       clear the journal")
	fmt.Fprintln(w, "  seal [-o <file>] <file>                     wrap a plaintext ledger in the envelope")
	fmt.Fprintln(w, "  unseal [-o <file>] <file>                   recover the plaintext of a sealed ledger")
	fmt.Fprintln(w, "  serve [-listen <addr>]                      run the HTTP verification service")
	fmt.Fprintln(w, "  verify-remote -url <base> <file>            verify a ledger against a running service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - add/list/export/reset need a journal: set store.kind to file or sqlite")
	fmt.Fprintln(w, "  - view -check exits 3 when the chain is broken")
}

func (e *env) cmdView(args []string) int {
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	check := fs.Bool("check", false, "exit 3 if any record fails validation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := e.cfg.Ledger.File
	switch fs.NArg() {
	case 0:
	case 1:
		path = fs.Arg(0)
	default:
		fmt.Fprintln(e.errOut, "usage: shipledger view [-check] [<file>]")
		return 2
	}

	l, err := shipledger.Load(path)
	if err != nil {
		level.Error(e.logger).Log("msg", "load failed", "path", path, "err", err)
		fmt.Fprintln(e.errOut, describeLoadError(err))
		return 1
	}

	renderLedger(e.out, l.Records)
	mode := "plain"
	if l.Encrypted {
		mode = "encrypted"
	}
	fmt.Fprintf(e.out, "\nLoaded records: %d (%s)\n", len(l.Records), mode)
	if i := l.FirstBreak(); i >= 0 {
		fmt.Fprintln(e.out, color.RedString("Chain broken at record %d", i+1))
		if *check {
			return 3
		}
	} else if len(l.Records) > 0 {
		fmt.Fprintln(e.out, color.GreenString("Chain intact"))
	}
	return 0
}

func describeLoadError(err error) string {
	switch {
	case shipledger.IsKind(err, shipledger.KindIO):
		return fmt.Sprintf("read error: %v", err)
	case shipledger.IsKind(err, shipledger.KindFormat):
		return fmt.Sprintf("format error: %v", err)
	default:
		return err.Error()
	}
}

func renderLedger(w io.Writer, recs []shipledger.ValidatedRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records to display.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tARTICLE\tQUANTITY\tSHIPPED (UTC)\tSTORED HASH\tCALCULATED HASH\tSTATUS")
	for i, r := range recs {
		status := color.GreenString("ok")
		paint := fmt.Sprint
		if !r.ChainValid {
			status = color.RedString("invalid")
			paint = color.New(color.FgRed).Sprint
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1,
			paint(r.Article),
			paint(r.Quantity),
			paint(time.Unix(r.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")),
			paint(r.StoredHash),
			paint(r.CalculatedHash),
			status)
	}
	_ = tw.Flush()
}

func (e *env) openSession() (*shipledger.Session, func(), error) {
	var (
		st  shipledger.Store
		err error
	)
	switch e.cfg.Store.Kind {
	case "file":
		st, err = shipledger.OpenFileStore(e.cfg.Store.Path)
	case "sqlite":
		st, err = shipledger.OpenSQLiteStore(e.cfg.Store.Path)
	default:
		return nil, nil, errors.New("this command needs a journal: set store.kind to file or sqlite")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	s, err := shipledger.NewSession(shipledger.WithStore(st), shipledger.WithLogger(e.logger))
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return s, func() { _ = st.Close() }, nil
}

func (e *env) cmdAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	article := fs.String("article", "", "10-digit article number")
	quantity := fs.String("quantity", "", "positive quantity")
	timestamp := fs.String("timestamp", "", "unix seconds (empty = now)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *article == "" || *quantity == "" {
		fmt.Fprintln(e.errOut, "usage: shipledger add -article <10 digits> -quantity <n> [-timestamp <unix>]")
		return 2
	}

	s, closeFn, err := e.openSession()
	if err != nil {
		fmt.Fprintln(e.errOut, err)
		return 1
	}
	defer closeFn()

	rec, err := s.AppendText(*article, *quantity, *timestamp)
	if err != nil {
		fmt.Fprintln(e.errOut, color.RedString("%v", err))
		if shipledger.IsKind(err, shipledger.KindInput) {
			return 2
		}
		return 1
	}
	fmt.Fprintf(e.out, "%d\t%s\t%d\t%d\t%s\n", s.Len(), rec.Article, rec.Quantity, rec.Timestamp, rec.StoredHash)
	return 0
}

func (e *env) cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, closeFn, err := e.openSession()
	if err != nil {
		fmt.Fprintln(e.errOut, err)
		return 1
	}
	defer closeFn()

	renderLedger(e.out, shipledger.ValidateChain(s.Records()))
	return 0
}

func (e *env) cmdExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	outPath := fs.String("o", e.cfg.Ledger.ExportName, "plaintext output file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, closeFn, err := e.openSession()
	if err != nil {
		fmt.Fprintln(e.errOut, err)
		return 1
	}
	defer closeFn()

	plain, enc, err := s.Export(*outPath)
	if err != nil {
		fmt.Fprintln(e.errOut, color.RedString("%v", err))
		return 1
	}
	fmt.Fprintln(e.out, plain)
	fmt.Fprintln(e.out, enc)
	return 0
}

func (e *env) cmdReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, closeFn, err := e.openSession()
	if err != nil {
		fmt.Fprintln(e.errOut, err)
		return 1
	}
	defer closeFn()

	if err := s.Reset(); err != nil {
		fmt.Fprintln(e.errOut, err)
		return 1
	}
	return 0
}

func (e *env) cmdSeal(args []string, seal bool) int {
	name := "unseal"
	if seal {
		name = "seal"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	outPath := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(e.errOut, "usage: shipledger %s [-o <file>] <file>\n", name)
		return 2
	}
	in := fs.Arg(0)
	data, err := os.ReadFile(in)
	if err != nil {
		fmt.Fprintf(e.errOut, "read %s: %v\n", in, err)
		return 1
	}

	envelope := shipledger.DefaultEnvelope()
	var result []byte
	if seal {
		if _, err := shipledger.Unmarshal(data); err != nil {
			fmt.Fprintln(e.errOut, err)
			return 1
		}
		result, err = envelope.Seal(data)
		if *outPath == "" {
			*outPath = in + shipledger.EncryptedSuffix
		}
	} else {
		result, err = envelope.Open(data)
		if *outPath == "" {
			*outPath = strings.TrimSuffix(in, shipledger.EncryptedSuffix)
			if *outPath == in {
				*outPath = in + ".json"
			}
		}
	}
	if err != nil {
		fmt.Fprintf(e.errOut, "%s: %v\n", name, err)
		return 1
	}
	if err := os.WriteFile(*outPath, result, 0644); err != nil {
		fmt.Fprintf(e.errOut, "write %s: %v\n", *outPath, err)
		return 1
	}
	fmt.Fprintln(e.out, *outPath)
	return 0
}

func (e *env) cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	listen := fs.String("listen", e.cfg.Server.Listen, "listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	srv := shipledger.NewServer(e.logger)
	srv.MaxBodyBytes = e.cfg.Server.MaxBodyBytes

	var err error
	if e.cfg.Server.TLSCert != "" {
		err = srv.ListenAndServeTLS(*listen, e.cfg.Server.TLSCert, e.cfg.Server.TLSKey)
	} else {
		err = srv.ListenAndServe(*listen)
	}
	level.Error(e.logger).Log("msg", "server stopped", "err", err)
	return 1
}

func (e *env) cmdVerifyRemote(args []string) int {
	fs := flag.NewFlagSet("verify-remote", flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	baseURL := fs.String("url", "", "base URL of the verification service")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *baseURL == "" || fs.NArg() != 1 {
		fmt.Fprintln(e.errOut, "usage: shipledger verify-remote -url <base> <file>")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(e.errOut, "read %s: %v\n", fs.Arg(0), err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	l, err := shipledger.NewClient(*baseURL).Verify(ctx, data)
	if err != nil {
		fmt.Fprintln(e.errOut, describeLoadError(err))
		return 1
	}
	renderLedger(e.out, l.Records)
	if i := l.FirstBreak(); i >= 0 {
		fmt.Fprintln(e.out, color.RedString("Chain broken at record %d", i+1))
		return 3
	}
	return 0
}
