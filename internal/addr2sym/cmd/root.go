package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/nxadm/tail"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	applog "addr2sym/internal/addr2sym/log"
	"addr2sym/internal/config"
	"addr2sym/internal/logging"
	"addr2sym/internal/mapfile"
	"addr2sym/internal/symbolize"
)

// configFs is swapped for an in-memory filesystem in tests.
var configFs = afero.NewOsFs()

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addr2sym -o <object> -l <load-address> [address...]",
		Short: "Symbolicate addresses against a Mach-O or ELF binary",
		Long: `addr2sym resolves raw runtime addresses to symbol names.

When the image carries DWARF line tables each address is printed as
"name (in image) (file:line)". Otherwise, or when the line tables do not
cover it, the nearest symbol is printed as "name (in image) + offset".
Addresses that cannot be resolved print "N/A - <reason>".`,
		Example: `
# Symbolicate a crash frame against a dSYM
addr2sym -o MyApp.app.dSYM/Contents/Resources/DWARF/MyApp -l 0x104c8c000 0x104c9d2a4

# Pick the arm64 slice of a universal binary
addr2sym -o MyApp -a arm64 -l 0x100000000 0x100003f10

# Read addresses from stdin, one per line
cut -d' ' -f3 frames.txt | addr2sym -o libfoo.so -l 0x7f3a1c000000 -i -
  `,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.StringP("object", "o", "", "Binary, dSYM DWARF file or ELF image to symbolicate against")
	flags.StringP("load-address", "l", "", "Runtime load address of the image (0x-hex or decimal)")
	flags.StringP("arch", "a", "", "Architecture of the slice to use from a universal binary")
	flags.String("uuid", "", "UUID of the slice to use from a universal binary")
	flags.Bool("file-offset-type", false, "Treat addresses as file offsets rather than virtual addresses")
	flags.BoolP("verbose", "v", false, "Log slice selection and lookup diagnostics")
	flags.String("config", "", "Config file (default $HOME/.addr2sym.yaml)")
	flags.StringP("input", "i", "", "Read addresses from a file, one per line; - reads stdin")
	flags.Bool("follow", false, "Keep reading addresses appended to the --input file")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("load-address")

	cmd.AddCommand(newSchemaCmd())
	return cmd
}

type options struct {
	object string
	load   uint64
	input  string
	follow bool
	batch  symbolize.Options
	level  string
}

// loadOptions merges flags over the config file. Only flags the user set
// override config values.
func loadOptions(cmd *cobra.Command) (*options, error) {
	flags := cmd.Flags()
	cfgFlag, _ := flags.GetString("config")
	path, explicit := config.Path(cfgFlag)
	cfg, err := config.Load(configFs, path, explicit)
	if err != nil {
		return nil, err
	}

	o := &options{level: cfg.LogLevel}
	o.object, _ = flags.GetString("object")
	o.input, _ = flags.GetString("input")
	o.follow, _ = flags.GetBool("follow")

	loadStr, _ := flags.GetString("load-address")
	if o.load, err = parseAddress(loadStr); err != nil {
		return nil, fmt.Errorf("invalid load address '%s': %w", loadStr, err)
	}

	o.batch.Arch = cfg.Arch
	if flags.Changed("arch") {
		o.batch.Arch, _ = flags.GetString("arch")
	}
	o.batch.UUID = cfg.UUID
	if flags.Changed("uuid") {
		o.batch.UUID, _ = flags.GetString("uuid")
	}
	fileOffset := cfg.FileOffsetType
	if flags.Changed("file-offset-type") {
		fileOffset, _ = flags.GetBool("file-offset-type")
	}
	if fileOffset {
		o.batch.Mode = symbolize.FileOffset
	}
	o.batch.Verbose = cfg.Verbose
	if flags.Changed("verbose") {
		o.batch.Verbose, _ = flags.GetBool("verbose")
	}
	if logging.IsDebug() {
		o.batch.Verbose = true
	}

	if o.follow && (o.input == "" || o.input == "-") {
		return nil, errors.New("--follow requires --input <file>")
	}
	return o, nil
}

func newLogger(cmd *cobra.Command, o *options) *logging.LoggerCloser {
	var lg *logging.LoggerCloser
	if os.Getenv("ADDR2SYM_LOG_TO_FILE") == "1" {
		lg = logging.NewLogger()
	} else {
		lg = logging.NewLoggerWithWriter(cmd.ErrOrStderr())
	}
	if os.Getenv("ADDR2SYM_LOG_LEVEL") == "" && o.level != "" {
		lg.SetLevel(logging.ParseLevel(o.level))
	}
	return lg
}

func run(cmd *cobra.Command, args []string) error {
	o, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	addrs := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := parseAddress(a)
		if err != nil {
			return fmt.Errorf("invalid address '%s': %w", a, err)
		}
		addrs = append(addrs, v)
	}
	if len(addrs) == 0 && o.input == "" {
		return errors.New("no addresses given; pass them as arguments or use --input")
	}

	logger := newLogger(cmd, o)
	defer logger.Close()
	applog.Setup(logger.Logger, o.batch.Verbose)

	mf, err := mapfile.Open(o.object)
	if err != nil {
		return err
	}
	defer mf.Close()

	sess, err := symbolize.NewSession(mf.Data, mf.Name(), o.batch, logger.Logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if len(addrs) > 0 {
		outcomes, err := sess.Run(ctx, symbolize.Query{LoadAddress: o.load, Addresses: addrs, Mode: o.batch.Mode})
		for _, oc := range outcomes {
			fmt.Fprintln(out, oc)
		}
		return err
	}
	return streamAddresses(ctx, cmd, o, func(line string) {
		fmt.Fprintln(out, resolveLine(sess, o, line))
	})
}

// resolveLine resolves one line of address input.
func resolveLine(sess *symbolize.Session, o *options, line string) symbolize.Outcome {
	addr, err := parseAddress(line)
	if err != nil {
		return symbolize.InvalidInput(line)
	}
	return sess.Lookup(addr, o.load, o.batch.Mode)
}

// streamAddresses feeds every non-blank input line to fn, following the
// file for appended lines when --follow is set.
func streamAddresses(ctx context.Context, cmd *cobra.Command, o *options, fn func(string)) error {
	if o.follow {
		return followFile(ctx, o.input, fn)
	}

	var r io.Reader
	if o.input == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(o.input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func followFile(ctx context.Context, path string, fn func(string)) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow input: %w", err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("failed to follow input: %w", line.Err)
			}
			if s := strings.TrimSpace(line.Text); s != "" {
				fn(s)
			}
		}
	}
}

// parseAddress accepts 0x-prefixed hex or decimal.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Bypass fang's styled output when piping, so stdout stays plain
	// outcome lines.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		ctx,
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

