package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/espprobe/internal/chip"
	"github.com/bigbag/espprobe/internal/config"
	"github.com/bigbag/espprobe/internal/detect"
	"github.com/bigbag/espprobe/internal/loader"
	"github.com/bigbag/espprobe/internal/protocol"
	"github.com/bigbag/espprobe/internal/serial"
	"github.com/bigbag/espprobe/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag string
	portFlag   string
	baudFlag   int
	traceFlag  bool
	resetFlag  string
	flashFlag  bool
	stubDir    string
	stubBaud   int
	maskFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "espprobe",
		Short: "Talk to the ROM bootloader of Espressif chips",
		Long: `espprobe connects to the serial ROM bootloader of ESP8266 and ESP32
family chips, identifies the chip and reads facts from its eFuses.

It can also read and write registers, start a flasher stub and
watch the serial console of the running application.`,
		SilenceUsage:      true,
		PersistentPreRunE: applyConfig,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFlag, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	pf.IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	pf.BoolVar(&traceFlag, "trace", false, "Log every transfer as a hex dump (needs -v=2)")
	pf.StringVar(&resetFlag, "reset", string(loader.ResetClassic), "Reset mode: classic or none")
	pf.AddGoFlagSet(flag.CommandLine)

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect the chip and show its description, features, crystal, MAC and flash size.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	infoCmd.Flags().BoolVar(&flashFlag, "flash", true, "Attach SPI flash and read its ID")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	readRegCmd := &cobra.Command{
		Use:   "read-reg <address>",
		Short: "Read a 32-bit register",
		Args:  cobra.ExactArgs(1),
		RunE:  runReadReg,
	}

	writeRegCmd := &cobra.Command{
		Use:   "write-reg <address> <value>",
		Short: "Write a 32-bit register",
		Args:  cobra.ExactArgs(2),
		RunE:  runWriteReg,
	}
	writeRegCmd.Flags().StringVar(&maskFlag, "mask", "0xffffffff", "Bits of the register to change")

	stubCmd := &cobra.Command{
		Use:   "stub",
		Short: "Upload and start the flasher stub",
		Long: `Upload the flasher stub for the detected chip to RAM and start it.

Stub files are JSON documents with base64 encoded text and data
segments, named after the chip (for example stub_flasher_32s2.json).`,
		Args: cobra.NoArgs,
		RunE: runStub,
	}
	stubCmd.Flags().StringVar(&stubDir, "stub-dir", "", "Directory holding stub JSON files")
	stubCmd.Flags().IntVar(&stubBaud, "stub-baud", 0, "Switch to this baud rate once the stub runs")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Reset the chip into its application and print its output",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espprobe %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(infoCmd, listCmd, readRegCmd, writeRegCmd, stubCmd, monitorCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// applyConfig fills flags the user did not set from the config file.
func applyConfig(cmd *cobra.Command, args []string) error {
	// glog reads its settings from the standard flag set
	if err := flag.CommandLine.Parse(nil); err != nil {
		return err
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("port") {
		portFlag = cfg.Port
	}
	if !flags.Changed("baud") {
		baudFlag = cfg.BaudRate
	}
	if !flags.Changed("trace") {
		traceFlag = cfg.Trace
	}
	if !flags.Changed("reset") {
		resetFlag = cfg.ResetMode
	}
	if flags.Lookup("stub-dir") != nil && !flags.Changed("stub-dir") {
		stubDir = cfg.StubDir
	}
	return nil
}

func detectOptions() (detect.Options, error) {
	mode, err := loader.ParseResetMode(resetFlag)
	if err != nil {
		return detect.Options{}, err
	}
	return detect.Options{
		BaudRate:  baudFlag,
		ResetMode: mode,
		Trace:     traceFlag,
		Flash:     flashFlag,
	}, nil
}

// resolvePort returns the --port value, or the first port with a chip.
func resolvePort(ctx context.Context) (string, error) {
	if portFlag != "" {
		return portFlag, nil
	}

	opts, err := detectOptions()
	if err != nil {
		return "", err
	}
	opts.Flash = false

	fmt.Println("Detecting device...")
	result, err := detect.DetectDevice(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("device detection failed: %w", err)
	}
	fmt.Printf("Found %s on %s\n", result.ChipName, result.Port)
	return result.Port, nil
}

// openLoader connects to the bootloader on the selected port. The caller
// must disconnect the returned session.
func openLoader(ctx context.Context) (*loader.Loader, chip.Descriptor, error) {
	portName, err := resolvePort(ctx)
	if err != nil {
		return nil, nil, err
	}
	mode, err := loader.ParseResetMode(resetFlag)
	if err != nil {
		return nil, nil, err
	}

	s := transport.New(portName, transport.WithTracing(traceFlag))
	if err := s.Connect(baudFlag, transport.SerialOptions{}); err != nil {
		return nil, nil, err
	}

	l := loader.New(s)
	d, err := l.Connect(ctx, mode)
	if err != nil {
		s.Disconnect()
		return nil, nil, err
	}
	fmt.Printf("Connected to %s on %s @ %d baud\n", d.Name(), portName, baudFlag)
	return l, d, nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts, err := detectOptions()
	if err != nil {
		return err
	}

	if portFlag != "" {
		result, err := detect.DetectOnPort(ctx, portFlag, opts)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for Espressif devices...")
	devices, err := detect.ListDevices(ctx, opts)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&devices[i])
		fmt.Println()
	}
	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.PortInfo)
	fmt.Printf("  Chip:     %s\n", d.Facts.Description)
	if d.ChipID != chip.NoImageChipID {
		fmt.Printf("  Chip ID:  %d\n", d.ChipID)
	}
	fmt.Printf("  Features: %s\n", strings.Join(d.Facts.Features, ", "))
	fmt.Printf("  Crystal:  %d MHz\n", d.Facts.CrystalMHz)
	fmt.Printf("  MAC:      %s\n", d.Facts.MAC)
	if d.Facts.FlashID != 0 {
		fmt.Printf("  Flash ID: 0x%06x (%s)\n", d.Facts.FlashID, d.Facts.FlashSize)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func parseUint32(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return uint32(v), nil
}

func runReadReg(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0], "address")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	l, _, err := openLoader(ctx)
	if err != nil {
		return err
	}
	defer l.Session().Disconnect()

	v, err := l.ReadReg(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Printf("0x%08x = 0x%08x\n", addr, v)
	return nil
}

func runWriteReg(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0], "address")
	if err != nil {
		return err
	}
	value, err := parseUint32(args[1], "value")
	if err != nil {
		return err
	}
	mask, err := parseUint32(maskFlag, "mask")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	l, _, err := openLoader(ctx)
	if err != nil {
		return err
	}
	defer l.Session().Disconnect()

	if err := l.WriteRegMasked(ctx, addr, value, mask, 0); err != nil {
		return err
	}
	fmt.Printf("Wrote 0x%08x to 0x%08x (mask 0x%08x)\n", value, addr, mask)
	return nil
}

func runStub(cmd *cobra.Command, args []string) error {
	if stubDir == "" {
		return fmt.Errorf("no stub directory: pass --stub-dir or set stub_dir in the config file")
	}

	ctx := cmd.Context()
	l, d, err := openLoader(ctx)
	if err != nil {
		return err
	}
	defer l.Session().Disconnect()

	stub, err := chip.LoadStub(os.DirFS(stubDir), d)
	if err != nil {
		return err
	}

	total := int(protocol.CalculateBlocks(len(stub.Text), protocol.RAMBlockSize) +
		protocol.CalculateBlocks(len(stub.Data), protocol.RAMBlockSize))
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Uploading stub"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	l.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	if err := l.RunStub(ctx, stub); err != nil {
		return err
	}
	bar.Finish()
	fmt.Println("Stub running")

	if stubBaud > 0 {
		if err := l.ChangeBaud(ctx, stubBaud); err != nil {
			return err
		}
		fmt.Printf("Changed baud rate to %d\n", stubBaud)
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	portName, err := resolvePort(ctx)
	if err != nil {
		return err
	}

	s := transport.New(portName, transport.WithTracing(traceFlag), transport.WithFraming(false))
	if err := s.Connect(baudFlag, transport.SerialOptions{}); err != nil {
		return err
	}
	defer s.Disconnect()

	if err := loader.New(s).HardReset(ctx); err != nil {
		return err
	}
	fmt.Printf("--- %s @ %d baud, Ctrl-C to exit ---\n", portName, baudFlag)

	for {
		data, err := s.RawRead(ctx, time.Second)
		switch {
		case err == nil:
			os.Stdout.Write(data)
		case transport.IsTimeout(err):
		case ctx.Err() != nil:
			fmt.Println()
			return nil
		default:
			return err
		}
	}
}
