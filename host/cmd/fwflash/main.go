package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/term"

	"fwflash/host/config"
	"fwflash/host/events"
	"fwflash/host/firmware"
	"fwflash/host/serial"
	"fwflash/host/updater"
	"fwflash/protocol"
)

var (
	configPath = flag.String("config", "", "JSON configuration file")
	device     = flag.String("device", "", "Serial device path")
	baud       = flag.Int("baud", 0, "Baud rate")
	image      = flag.String("firmware", "", "Firmware image path")
	reserved   = flag.Int("reserved", -1, "Bytes stripped from the start of the image")
	timeout    = flag.Duration("timeout", 0, "Per-frame wait timeout")
	natsURL    = flag.String("nats", "", "NATS server URL for progress events")
	list       = flag.Bool("list", false, "List serial ports and exit")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if *list {
		listPorts()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func listPorts() {
	ports, err := serial.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

// loadConfig layers the config file, FWFLASH_* variables and flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if *device != "" {
		cfg.Device = *device
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *image != "" {
		cfg.Firmware = *image
	}
	if *reserved >= 0 {
		cfg.ReservedSize = *reserved
	}
	if *timeout > 0 {
		cfg.TimeoutMs = int(*timeout / time.Millisecond)
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}

	return cfg, cfg.Validate()
}

func run(cfg *config.Config) error {
	log := glogLogger{}

	img, err := firmware.Load(cfg.Firmware, cfg.ReservedSize)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %s: %d bytes after stripping 0x%X\n", img.Path, img.Len(), cfg.ReservedSize)

	port, err := serial.Open(cfg.Serial())
	if err != nil {
		return err
	}
	if err := port.Flush(); err != nil {
		glog.Warningf("failed to flush %s: %v", cfg.Device, err)
	}
	tr := protocol.NewHostTransport(port, protocol.WithLogger(log))
	defer tr.Close()

	// Closing the transport unblocks any pending wait
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigs; ok {
			glog.Warning("interrupted, closing link")
			tr.Close()
		}
	}()
	defer signal.Stop(sigs)

	callbacks := []updater.ProgressCallback{newProgressPrinter()}

	var pub *events.Publisher
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()

		pub = events.NewPublisher(nc, cfg.NATSSubject, cfg.Device, log)
		callbacks = append(callbacks, pub.Progress)
	}

	u := updater.New(tr,
		updater.WithLogger(log),
		updater.WithTimeout(cfg.Timeout()),
		updater.WithSyncInterval(cfg.SyncInterval()),
		updater.WithSyncTimeout(cfg.SyncTimeout()),
		updater.WithEraseDelay(cfg.EraseDelay()),
		updater.WithDeviceID(byte(cfg.DeviceID)),
		updater.WithProgressCallback(func(p updater.Progress) {
			for _, cb := range callbacks {
				cb(p)
			}
		}),
	)

	fmt.Printf("Flashing %s\n", port.Config())
	start := time.Now()
	runErr := u.Run(img.Data)
	elapsed := time.Since(start)
	stats := tr.Stats()

	if pub != nil {
		pub.Result(img.Path, img.Len(), elapsed, stats, runErr)
	}

	glog.Infof("link stats: sent=%d received=%d retransmissions=%d crc_errors=%d",
		stats.FramesSent, stats.FramesReceived, stats.Retransmissions, stats.CRCErrors)

	if runErr != nil {
		return runErr
	}

	fmt.Printf("\nFirmware updated in %s\n", elapsed.Round(time.Millisecond))
	return nil
}

// newProgressPrinter redraws a single line on a terminal and prints one
// line per phase otherwise.
func newProgressPrinter() updater.ProgressCallback {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	lastPhase := ""

	return func(p updater.Progress) {
		if interactive {
			const width = 30
			filled := int(p.Percentage / 100 * width)
			fmt.Printf("\r%-12s [%s%s] %6.2f%% %d/%d",
				p.Phase,
				strings.Repeat("#", filled),
				strings.Repeat(".", width-filled),
				p.Percentage, p.BytesWritten, p.TotalBytes)
			return
		}
		if p.Phase != lastPhase {
			fmt.Printf("%s (%d/%d bytes)\n", p.Phase, p.BytesWritten, p.TotalBytes)
			lastPhase = p.Phase
		}
	}
}

// glogLogger adapts glog to protocol.Logger. Debug output needs -v=2.
type glogLogger struct{}

func (glogLogger) Debug(msg string, keysAndValues ...interface{}) {
	if glog.V(2) {
		glog.InfoDepth(1, format(msg, keysAndValues))
	}
}

func (glogLogger) Info(msg string, keysAndValues ...interface{}) {
	glog.InfoDepth(1, format(msg, keysAndValues))
}

func (glogLogger) Error(msg string, keysAndValues ...interface{}) {
	glog.ErrorDepth(1, format(msg, keysAndValues))
}

func format(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	if len(keysAndValues)%2 == 1 {
		fmt.Fprintf(&b, " %v", keysAndValues[len(keysAndValues)-1])
	}
	return b.String()
}
