package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/netguard"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("netguard-config - Configuration tool for netguard")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  netguard-config convert <input> <output>      - Convert between formats")
	fmt.Println("  netguard-config validate <file>               - Validate configuration")
	fmt.Println("  netguard-config stats <file>                  - Show configuration statistics")
	fmt.Println("  netguard-config check <file> <socket-ip> [xff] - Resolve a client IP through the configured proxies")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: netguard-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: netguard-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Enabled:          %v\n", cfg.Enabled)
	fmt.Printf("  Default policy:   %s\n", cfg.DefaultPolicy)
	fmt.Printf("  Emergency access: %v\n", cfg.EmergencyAccess)
	fmt.Printf("  Trusted proxies:  %d\n", len(cfg.TrustedProxies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: netguard-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Println()

	fmt.Println("Access Control:")
	fmt.Printf("  Enabled:          %v\n", cfg.Enabled)
	fmt.Printf("  Default policy:   %s\n", cfg.DefaultPolicy)
	fmt.Printf("  Emergency access: %v\n", cfg.EmergencyAccess)
	fmt.Printf("  Namespace:        %s\n", cfg.Namespace)
	fmt.Println()

	if len(cfg.TrustedProxies) > 0 {
		fmt.Println("Trusted Proxies:")
		for _, p := range cfg.TrustedProxies {
			fmt.Printf("  %s\n", p)
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Local cache TTL:        %s\n", cfg.Engine.LocalTTL())
	fmt.Printf("  Distributed cache TTL:  %s\n", cfg.Engine.DistributedTTL())
	fmt.Printf("  Collaborator timeout:   %s\n", cfg.Engine.Timeout())
	fmt.Printf("  Expiry sweep interval:  %s\n", cfg.Engine.SweepEvery())
}

func handleCheck() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: netguard-config check <file> <socket-ip> [forwarded-for]")
		os.Exit(1)
	}

	filename := os.Args[2]
	socketIP := os.Args[3]
	forwardedFor := ""
	if len(os.Args) > 4 {
		forwardedFor = os.Args[4]
	}

	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	store := netguard.NewMemoryRuleStore()
	cache, err := netguard.NewTieredRuleCache(store, netguard.NewMemoryCache(), cfg.CacheOptions())
	if err != nil {
		fmt.Printf("Error building cache: %v\n", err)
		os.Exit(1)
	}
	engine, err := netguard.NewEngine(*cfg, store, cache)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	clientIP := engine.ResolveClientIP(socketIP, forwardedFor)
	fmt.Printf("Resolved client IP: %s\n", clientIP)

	dec := engine.Evaluate(context.Background(), netguard.AccessRequest{
		RemoteIP:     socketIP,
		ForwardedFor: forwardedFor,
	})
	fmt.Printf("Decision: allowed=%v reason=%q\n", dec.Allowed, dec.Reason)
}

func loadConfig(filename string) (*netguard.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	loader := netguard.NewConfigLoader()

	switch ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *netguard.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
