package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"spiq/host/config"
	"spiq/host/mcu"
	"spiq/host/serial"
	"spiq/sim/board"
)

var (
	configPath = flag.String("config", "", "Path to a TOML configuration file")
	device     = flag.String("device", "", "Serial device path (overrides config)")
	baud       = flag.Int("baud", 0, "Baud rate (ignored for USB CDC)")
	useSim     = flag.Bool("sim", false, "Talk to an in-process simulated board")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := mcu.New(log, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	if *useSim {
		b, err := board.New(board.DefaultConfig())
		if err != nil {
			log.Fatal("failed to start simulated board", zap.Error(err))
		}
		m.Attach(b)
	} else if err := m.Connect(serial.FromConfig(cfg)); err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.RetrieveDictionary(ctx); err != nil {
		log.Fatal("failed to retrieve dictionary", zap.Error(err))
	}
	m.OnSendError(func(e *mcu.SPIError) {
		fmt.Printf("send failed: %v\n", e)
	})
	if len(cfg.SPI) > 0 {
		if err := m.ConfigureDevices(ctx, cfg.SPI, 0); err != nil {
			log.Fatal("failed to configure devices", zap.Error(err))
		}
	}

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" || parts[0] == "q" {
			return
		}
		if err := run(ctx, m, cfg, parts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("reading input", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func run(ctx context.Context, m *mcu.MCU, cfg *config.Config, parts []string) error {
	switch parts[0] {
	case "help", "?":
		printHelp()
	case "dict":
		printDictionary(m)
	case "raw":
		raw := m.GetDictionaryRaw()
		fmt.Printf("Raw dictionary data (%d bytes):\n%s\n", len(raw), raw)
	case "get_clock":
		clock, err := m.GetClock(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("clock=%d\n", clock)
	case "get_config":
		state, err := m.GetConfig(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("is_config=%t crc=0x%08x is_shutdown=%t\n", state.IsConfig, state.CRC, state.IsShutdown)
	case "transfer", "send":
		if len(parts) != 3 {
			return fmt.Errorf("usage: %s <oid|name> <hex>", parts[0])
		}
		oid, err := resolveOID(cfg, parts[1])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(parts[2])
		if err != nil {
			return err
		}
		if parts[0] == "send" {
			return m.Send(ctx, oid, data)
		}
		rx, err := m.Transfer(ctx, oid, data)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(rx))
	case "status":
		if len(parts) != 2 {
			return fmt.Errorf("usage: status <oid|name>")
		}
		oid, err := resolveOID(cfg, parts[1])
		if err != nil {
			return err
		}
		qs, err := m.SPIQueueStatus(ctx, oid)
		if err != nil {
			return err
		}
		fmt.Printf("allocated=%d enqueued=%d alloc_hw=%d oom=%d\n",
			qs.Allocated, qs.Enqueued, qs.AllocHW, qs.OutOfMemory)
	case "link":
		st := m.LinkStats()
		fmt.Printf("frames=%d errors=%d resyncs=%d out_of_seq=%d\n",
			st.Frames, st.Errors, st.Resyncs, st.OutOfSeq)
	case "estop":
		return m.EmergencyStop(ctx)
	default:
		fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", parts[0])
	}
	return nil
}

func resolveOID(cfg *config.Config, arg string) (uint8, error) {
	if dev, ok := cfg.FindDevice(arg); ok {
		return dev.OID, nil
	}
	n, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown device %q", arg)
	}
	return uint8(n), nil
}

func printDictionary(m *mcu.MCU) {
	dict := m.GetDictionary()
	fmt.Printf("Version: %s\n", dict.Version)
	for _, group := range []struct {
		title string
		ids   map[string]int
	}{{"Commands", dict.Commands}, {"Responses", dict.Responses}} {
		names := make([]string, 0, len(group.ids))
		for sig := range group.ids {
			names = append(names, sig)
		}
		sort.Slice(names, func(i, j int) bool { return group.ids[names[i]] < group.ids[names[j]] })
		fmt.Printf("%s (%d):\n", group.title, len(names))
		for _, sig := range names {
			fmt.Printf("  [%3d] %s\n", group.ids[sig], sig)
		}
	}
	for name, value := range dict.Config {
		fmt.Printf("  %s = %s\n", name, value)
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help                  - Show this help message")
	fmt.Println("  dict                  - Print dictionary summary")
	fmt.Println("  raw                   - Print raw dictionary data")
	fmt.Println("  get_clock             - Get MCU clock")
	fmt.Println("  get_config            - Get MCU configuration")
	fmt.Println("  transfer <oid> <hex>  - Duplex transfer, prints received bytes")
	fmt.Println("  send <oid> <hex>      - Queue a write")
	fmt.Println("  status <oid>          - Show the queue counters of a device's bus")
	fmt.Println("  link                  - Show link frame counters")
	fmt.Println("  estop                 - Emergency stop")
	fmt.Println("  quit/exit/q           - Exit the program")
	fmt.Println()
}
