package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
	"firestige.xyz/dissect/internal/sink/console"
	"firestige.xyz/dissect/internal/sink/kafka"
	"firestige.xyz/dissect/internal/source/file"
)

// closingSink is an engine sink that must be flushed at the end.
type closingSink interface {
	engine.Sink
	Close() error
}

func newSink(ctx context.Context, cfg *config.Config, opts readOptions, out io.Writer) (closingSink, error) {
	if cfg.Engine.Sink == config.SinkKafka {
		return kafka.NewSink(ctx, cfg.Kafka)
	}
	return console.NewSink(out, cfg.Engine.Output, opts.verbose)
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Dissect a capture file",
	Long: `
Dissect every frame of a pcap or pcapng capture file.

Examples:
  dissect read -r trace.pcap                    # One summary line per frame
  dissect read -r trace.pcap -V                 # Summary and protocol tree
  dissect read -r trace.pcapng -o json          # One JSON document per frame
  dissect read -r trace.pcap --two-pass         # Link requests to later responses
  dissect read -r trace.pcap --bpf-file f.dd    # Only frames the BPF program keeps
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("output") {
			cfg.Engine.Output = readOpts.output
		}
		if cmd.Flags().Changed("two-pass") {
			cfg.Engine.TwoPass = readOpts.twoPass
		}
		if readOpts.bpfFile != "" {
			prog, err := os.ReadFile(readOpts.bpfFile)
			if err != nil {
				return fmt.Errorf("failed to read bpf program: %w", err)
			}
			cfg.Engine.BPF = string(prog)
		}
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}
		reg, _, err := setup(cfg)
		if err != nil {
			return err
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRead(ctx, cfg, reg, readOpts, cmd.OutOrStdout())
	},
}

type readOptions struct {
	file    string
	output  string
	verbose bool
	twoPass bool
	bpfFile string
}

var readOpts readOptions

func init() {
	readCmd.Flags().StringVarP(&readOpts.file, "read", "r", "", "capture file to read (required)")
	readCmd.Flags().StringVarP(&readOpts.output, "output", "o", "text", "output format (text/json/yaml)")
	readCmd.Flags().BoolVarP(&readOpts.verbose, "verbose", "V", false, "print the protocol tree in text output")
	readCmd.Flags().BoolVar(&readOpts.twoPass, "two-pass", false, "dissect twice so requests show their responses")
	readCmd.Flags().StringVar(&readOpts.bpfFile, "bpf-file", "", "skip frames rejected by this BPF program (tcpdump -dd output)")
	readCmd.MarkFlagRequired("read")
}

func runRead(ctx context.Context, cfg *config.Config, reg *dcerpc.Registry, opts readOptions, out io.Writer) error {
	f, err := file.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()

	var src engine.Source = f
	var bpf *filter.Source
	if cfg.Engine.BPF != "" {
		prog, err := filter.NewBPF(cfg.Engine.BPF)
		if err != nil {
			return err
		}
		bpf = filter.NewSource(f, prog)
		src = bpf
	}

	e, err := engine.New(cfg, reg)
	if err != nil {
		return err
	}
	sink, err := newSink(ctx, cfg, opts, out)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		exp := metrics.NewExporter(cfg.Metrics)
		if err := exp.Listen(ctx); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exp.Shutdown(sctx); err != nil {
				slog.Warn("metrics exporter shutdown failed", "error", err)
			}
		}()
	}

	slog.Info("reading capture", "file", opts.file, "format", f.Format(),
		"link_type", f.LinkType().String(), "two_pass", cfg.Engine.TwoPass, "sink", cfg.Engine.Sink)
	start := time.Now()
	stats, runErr := e.Run(ctx, src, sink)
	if err := sink.Close(); err != nil && runErr == nil {
		runErr = err
	}
	attrs := []any{"frames", stats.Frames, "errors", stats.Errors, "elapsed", time.Since(start).String()}
	if bpf != nil {
		attrs = append(attrs, "filtered", bpf.Dropped())
	}
	slog.Info("capture done", attrs...)
	if runErr != nil {
		return fmt.Errorf("failed to dissect %s: %w", opts.file, runErr)
	}
	return nil
}
