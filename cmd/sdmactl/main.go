package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/emergingrobotics/go-sdma/pkg/config"
	"github.com/emergingrobotics/go-sdma/pkg/coproc"
	"github.com/emergingrobotics/go-sdma/pkg/metrics"
	"github.com/emergingrobotics/go-sdma/pkg/platform"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

// Standard streams, redirected by tests
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

type options struct {
	Config  string `short:"c" long:"config" description:"YAML configuration file"`
	Verbose bool   `short:"v" long:"verbose" description:"Log at debug level"`
}

var optionsData options

// Parser creates a fresh parser with every command attached.
func Parser() *flags.Parser {
	optionsData = options{}
	parser := flags.NewParser(&optionsData, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "Smart DMA channel engine tool"
	parser.LongDescription = `
Drive the virtual DMA channel engine against a simulated co-processor:
run loopback transfers, load scripts through channel 0 and inspect the
descriptor layout.
`
	for _, c := range []struct {
		name, short, long string
		cmd               flags.Commander
	}{
		{"demo", "Run loopback transfers on several channels", longDemoHelp, &cmdDemo{}},
		{"load-script", "Load a script into program memory and verify it", longLoadScriptHelp, &cmdLoadScript{}},
		{"debug", "Print descriptor layout and command codes", "", &cmdDebug{}},
		{"version", "Print version information", "", &cmdVersion{}},
	} {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.cmd); err != nil {
			panic(fmt.Sprintf("cannot add command %q: %v", c.name, err))
		}
	}
	return parser
}

func run(args []string) error {
	parser := Parser()
	_, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok {
			if e.Type == flags.ErrHelp || e.Type == flags.ErrCommandRequired {
				parser.WriteHelp(Stdout)
				return nil
			}
		}
	}
	return err
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// engine is a registry driving a simulated co-processor.
type engine struct {
	log     *logrus.Logger
	host    *platform.Host
	cp      *coproc.CoProcessor
	reg     *sdma.Registry
	prom    *prometheus.Registry
	cd0     *sdma.ChannelDescriptor
	cleanup func()
}

func loadConfig() (*config.Config, error) {
	if optionsData.Config == "" {
		c := config.Default()
		return &c, nil
	}
	return config.Load(optionsData.Config)
}

func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.Out = Stderr
	if err := cfg.ConfigureLogger(l); err != nil {
		return nil, err
	}
	if optionsData.Verbose {
		l.SetLevel(logrus.DebugLevel)
	}

	defaults, err := cfg.ChannelDefaults()
	if err != nil {
		return nil, err
	}
	host, err := cfg.NewHost()
	if err != nil {
		return nil, fmt.Errorf("mapping coherent memory: %w", err)
	}

	prom := prometheus.NewRegistry()
	m, err := metrics.New(prom)
	if err != nil {
		host.Close()
		return nil, err
	}

	cp := coproc.New(host, cfg.CoprocConfig(), coproc.WithLogger(l.WithField("component", "coproc")))
	reg := sdma.NewRegistry(host, cp,
		sdma.WithLogger(l.WithField("component", "sdma")),
		sdma.WithMetrics(m),
		sdma.WithDefaults(defaults),
	)
	cp.SetIRQ(reg.HandleInterrupt)

	cd0, err := reg.Open(ctx, 0)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("bootstrapping channel 0: %w", err)
	}

	return &engine{
		log:  l,
		host: host,
		cp:   cp,
		reg:  reg,
		prom: prom,
		cd0:  cd0,
		cleanup: func() {
			cp.Wait()
			host.Close()
		},
	}, nil
}

func (e *engine) Close() {
	e.cleanup()
}

// printMetrics writes every collected sample in a flat name{labels} value
// form.
func (e *engine) printMetrics(w io.Writer) error {
	mfs, err := e.prom.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for i, lp := range m.GetLabel() {
				if i > 0 {
					labels += ","
				}
				labels += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			if labels != "" {
				labels = "{" + labels + "}"
			}

			v := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				v = g.GetValue()
			}
			fmt.Fprintf(w, "  %s%s %g\n", mf.GetName(), labels, v)
		}
	}
	return nil
}
