// kmnet - KMBox network client
// Pairs with a KMBox appliance, benchmarks pointer injection and samples the
// mirrored physical input state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kmnet/internal/config"
	"kmnet/internal/input"
	"kmnet/internal/logging"
	"kmnet/pkg/kmnet"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

var version = "0.1.0"

type flags struct {
	cfgPath    string
	host       string
	port       string
	token      string
	picture    string
	scan       string
	masks      []int
	bench      int
	monitorMs  int
	samples    int
	interval   time.Duration
	debug      bool
	saveConfig bool
	reboot     bool
	showVer    bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var f flags
	fs := pflag.NewFlagSet("kmnet", pflag.ContinueOnError)
	fs.StringVar(&f.cfgPath, "config", "", "config file (default: platform config dir, or $"+config.CfgEnv+")")
	fs.StringVar(&f.host, "host", "", "appliance address (overrides config)")
	fs.StringVar(&f.port, "port", "", "appliance command port (overrides config)")
	fs.StringVar(&f.token, "token", "", "8 hex digit pairing token (overrides config)")
	fs.IntVar(&f.bench, "bench", 0, "send this many alternating moves and report the mean latency")
	fs.IntVar(&f.monitorMs, "monitor", 0, "arm monitoring for this many milliseconds and sample the input state")
	fs.IntVar(&f.samples, "samples", 5, "number of monitor samples")
	fs.DurationVar(&f.interval, "interval", 500*time.Millisecond, "time between monitor samples")
	fs.IntSliceVar(&f.masks, "mask", nil, "key codes to mask before sampling")
	fs.StringVar(&f.picture, "picture", "", "raw 128x80 picture file to show on the appliance display")
	fs.StringVar(&f.scan, "scan", "", `probe a subnet (e.g. 192.168.2.0/24, or "local") for appliances and exit`)
	fs.BoolVar(&f.reboot, "reboot", false, "reboot the appliance and exit")
	fs.BoolVar(&f.saveConfig, "save-config", false, "write the effective config back to the config file")
	fs.BoolVarP(&f.debug, "debug", "d", false, "debug logging")
	fs.BoolVar(&f.showVer, "version", false, "show version")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if f.showVer {
		fmt.Printf("kmnet version %s\n", version)
		return nil
	}

	cfgPath := f.cfgPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to locate config: %w", err)
		}
		cfgPath = p
	}
	osFs := afero.NewOsFs()
	cfgMgr := config.NewManager(osFs, cfgPath)
	if err := cfgMgr.Load(); err != nil {
		return err
	}
	vals := applyOverrides(cfgMgr.Get(), &f)

	logCloser, err := logging.Setup(logging.Options{File: vals.Logging.File, Debug: vals.Logging.Debug})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.scan != "" {
		return scan(ctx, f.scan, vals.Device.Port)
	}

	if err := vals.Validate(); err != nil {
		return err
	}
	cfgMgr.Set(vals)

	if f.saveConfig {
		if err := cfgMgr.Save(); err != nil {
			return err
		}
		log.Info().Str("path", cfgMgr.Path()).Msg("config saved")
	}

	client := kmnet.New(vals.ClientOptions())
	defer func() { _ = client.Close() }()

	d := vals.Device
	if err := client.Init(ctx, d.Host, d.Port, d.Token); err != nil {
		return err
	}
	log.Info().Str("host", d.Host).Str("port", d.Port).Msg("paired with appliance")

	if f.reboot {
		return client.Reboot(ctx)
	}

	if f.picture != "" {
		pic, err := afero.ReadFile(osFs, f.picture)
		if err != nil {
			return fmt.Errorf("failed to read picture: %w", err)
		}
		if err := client.LCDPicture(ctx, pic); err != nil {
			return err
		}
		log.Info().Str("file", f.picture).Msg("picture sent")
	}

	if f.bench > 0 {
		if err := benchMoves(ctx, client, f.bench); err != nil {
			return err
		}
	}

	for _, code := range f.masks {
		if err := client.MaskKeyboard(ctx, code); err != nil {
			return err
		}
	}

	if f.monitorMs > 0 {
		if err := sampleMonitor(ctx, client, f.monitorMs, f.samples, f.interval); err != nil {
			return err
		}
	}

	st := client.Stats()
	log.Info().
		Bool("connected", st.Connected).
		Uint64("decoded", st.FramesDecoded).
		Uint64("dropped", st.FramesDropped).
		Msg("done")
	return nil
}

func scan(ctx context.Context, subnet, port string) error {
	var prefix netip.Prefix
	if subnet != "local" {
		p, err := netip.ParsePrefix(subnet)
		if err != nil {
			return fmt.Errorf("invalid subnet %q: %w", subnet, err)
		}
		prefix = p
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}

	found, err := kmnet.Discover(ctx, prefix, uint16(portNum), 0)
	for _, box := range found {
		fmt.Printf("%s\ttoken %s\n", box.Addr, box.Token())
	}
	if len(found) == 0 {
		fmt.Println("no appliances found")
	}
	return err
}

func applyOverrides(vals config.Values, f *flags) config.Values {
	if f.host != "" {
		vals.Device.Host = f.host
	}
	if f.port != "" {
		vals.Device.Port = f.port
	}
	if f.token != "" {
		vals.Device.Token = f.token
	}
	if f.debug {
		vals.Logging.Debug = true
	}
	return vals
}

// benchMoves sends n alternating vertical moves so the pointer ends where it
// started, and logs the mean time per call.
func benchMoves(ctx context.Context, inj input.Injector, n int) error {
	start := time.Now()
	for i := 0; i < n; i++ {
		dy := 10
		if i%2 == 1 {
			dy = -10
		}
		if err := inj.Move(ctx, 0, dy); err != nil {
			return fmt.Errorf("move %d of %d: %w", i+1, n, err)
		}
	}
	elapsed := time.Since(start)
	log.Info().
		Int("moves", n).
		Dur("total", elapsed).
		Dur("mean", elapsed/time.Duration(n)).
		Msg("move benchmark")
	return nil
}

func sampleMonitor(ctx context.Context, c *kmnet.Client, timeoutMs, samples int, interval time.Duration) error {
	if err := c.Monitor(ctx, timeoutMs); err != nil {
		return err
	}
	log.Info().Int("timeout_ms", timeoutMs).Uint16("port", c.Stats().MonitorPort).Msg("monitor armed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < samples; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		log.Info().
			Int("sample", i+1).
			Bool("left", c.IsDownLeft()).
			Bool("right", c.IsDownRight()).
			Bool("middle", c.IsDownMiddle()).
			Bool("side1", c.IsDownSide1()).
			Bool("side2", c.IsDownSide2()).
			Bool("key_a", c.IsDownKeyboard(4)).
			Bool("stale", c.Stale()).
			Msg("input state")
	}
	return c.Monitor(ctx, 0)
}
