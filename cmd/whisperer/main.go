// Whisperer: Host driver and capture tool for USB protocol analyzers
// Copyright (C) 2026
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whisperer/internal/analyzer"
	"whisperer/internal/cli/ui"
	"whisperer/internal/config"
	"whisperer/internal/server"
	"whisperer/internal/usb"
)

// Configuration flags
var (
	mode       = flag.String("mode", "capture", "operation mode: capture, tui, api, info, speeds, power, trigger-status, arm, disarm")
	speedName  = flag.String("speed", "auto", "capture speed: auto, high, full, low")
	duration   = flag.Duration("duration", 0, "stop the capture after this long (0 = until interrupted)")
	apiAddr    = flag.String("api-addr", ":8750", "REST API listen address (api mode)")
	tokensOnly = flag.Bool("tokens-only", false, "display token packets only (tui mode)")
	validate   = flag.Bool("validate", false, "annotate packets with CRC validation results (capture mode)")
	asJSON     = flag.Bool("json", false, "emit capture output as JSON lines")

	powerSource = flag.Int("power-source", -1, "switch VBUS to this source index before capturing (-1 = leave as is)")
	powerOff    = flag.Bool("power-off", false, "turn VBUS off instead of on when switching source")
)

func init() {
	// .env / environment defaults, overridable on the command line.
	cfg := config.Load()
	if cfg.Speed != "" {
		*speedName = cfg.Speed
	}
	if cfg.APIAddr != "" {
		*apiAddr = cfg.APIAddr
	}
	if cfg.PowerSource >= 0 {
		*powerSource = cfg.PowerSource
		*powerOff = !cfg.PowerOn
	}
}

func main() {
	flag.Parse()

	device, err := analyzer.OpenFirst()
	if err != nil {
		log.Fatalf("Could not open analyzer: %v", err)
	}
	defer device.Close()

	switch *mode {
	case "info":
		runInfo(device)
	case "speeds":
		runSpeeds(device)
	case "power":
		runPower(device)
	case "trigger-status":
		runTriggerStatus(device)
	case "arm":
		must(device.ArmTrigger())
		fmt.Println("Trigger armed")
	case "disarm":
		must(device.DisarmTrigger())
		fmt.Println("Trigger disarmed")
	case "capture":
		runCapture(device)
	case "tui":
		runTUI(device)
	case "api":
		runAPI(device)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q\n", *mode)
		flag.Usage()
		os.Exit(2)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func runInfo(device *analyzer.Analyzer) {
	metadata := device.Metadata()
	major, minor := device.ProtocolVersion()
	fmt.Printf("Interface:  %s\n", metadata.IfaceDesc)
	fmt.Printf("Hardware:   %s\n", metadata.IfaceHardware)
	fmt.Printf("Gateware:   %s (protocol v%d.%d)\n", metadata.IfaceOS, major, minor)
	fmt.Printf("Host:       %s / %s\n", metadata.OS, metadata.Hardware)
	if sources := device.PowerSources(); sources != nil {
		fmt.Printf("Power:      %v\n", sources)
	} else {
		fmt.Println("Power:      not supported")
	}
	fmt.Printf("Speeds:     ")
	for i, speed := range device.SupportedSpeeds() {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Print(speed.Description())
	}
	fmt.Println()
}

func runSpeeds(device *analyzer.Analyzer) {
	for _, speed := range device.SupportedSpeeds() {
		fmt.Printf("%-5s %s\n", speed, speed.Description())
	}
}

func runPower(device *analyzer.Analyzer) {
	power := device.PowerConfig()
	if power == nil {
		fmt.Println("Power control not supported by this gateware")
		return
	}
	if *powerSource >= 0 {
		cfg := analyzer.PowerConfig{
			SourceIndex: uint8(*powerSource),
			OnNow:       !*powerOff,
		}
		must(device.SetPowerConfig(cfg))
		power = &cfg
	}
	sources := device.PowerSources()
	name := fmt.Sprintf("#%d", power.SourceIndex)
	if int(power.SourceIndex) < len(sources) {
		name = sources[power.SourceIndex]
	}
	state := "off"
	if power.OnNow {
		state = "on"
	}
	fmt.Printf("VBUS source %s is %s\n", name, state)
}

func runTriggerStatus(device *analyzer.Analyzer) {
	status, err := device.TriggerStatus()
	must(err)
	fmt.Printf("Enabled:        %v\n", status.Enable)
	fmt.Printf("Armed:          %v\n", status.Armed)
	fmt.Printf("Output enable:  %v\n", status.OutputEnable)
	fmt.Printf("Output state:   %v\n", status.OutputState)
	fmt.Printf("Sequence stage: %d of %d\n", status.SequenceStage, status.StageCount)
	fmt.Printf("Fire count:     %d\n", status.FireCount)
}

func applyConfiguredPower(device *analyzer.Analyzer) {
	if *powerSource < 0 {
		return
	}
	cfg := analyzer.PowerConfig{
		SourceIndex: uint8(*powerSource),
		OnNow:       !*powerOff,
	}
	if err := device.SetPowerConfig(cfg); err != nil {
		log.Fatalf("Could not set power config: %v", err)
	}
}

func parseSpeedFlag() usb.Speed {
	speed, err := usb.ParseSpeed(*speedName)
	if err != nil {
		log.Fatal(err)
	}
	return speed
}

func runCapture(device *analyzer.Analyzer) {
	applyConfiguredPower(device)
	speed := parseSpeedFlag()

	stream, err := device.StartCapture(speed, func(err error) {
		log.Printf("Capture worker error: %v", err)
	})
	if err != nil {
		log.Fatalf("Could not start capture: %v", err)
	}

	// Stop cleanly on interrupt or after the configured duration.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if *duration > 0 {
			select {
			case <-quit:
			case <-time.After(*duration):
			}
		} else {
			<-quit
		}
		if err := stream.Stop(); err != nil {
			log.Printf("Stop failed: %v", err)
		}
	}()

	encoder := json.NewEncoder(os.Stdout)
	for {
		event, ok := stream.Next()
		if !ok {
			break
		}
		if *asJSON {
			encoder.Encode(event)
			continue
		}
		printEvent(event)
	}

	// No-op if the signal handler already stopped the stream.
	if err := stream.Stop(); err != nil {
		log.Printf("Stop failed: %v", err)
	}

	stats := stream.Stats()
	fmt.Fprintf(os.Stderr, "\n%d packets, %d events, %d bytes, %d dropped\n",
		stats.Packets, stats.Events, stats.Bytes, stats.Dropped)
}

func printEvent(event analyzer.TimestampedEvent) {
	timestamp := float64(event.TimestampNs) / 1e9
	if !event.IsPacket() {
		fmt.Printf("%12.6f  [%s]\n", timestamp, event.Event)
		return
	}
	if *validate {
		pid, err := usb.ValidatePacket(event.Packet)
		marker := " "
		if err != nil {
			marker = "!"
		}
		fmt.Printf("%12.6f  %-7s%s % X\n", timestamp, pid, marker, event.Packet)
		return
	}
	fmt.Printf("%12.6f  % X\n", timestamp, event.Packet)
}

func runTUI(device *analyzer.Analyzer) {
	applyConfiguredPower(device)
	speed := parseSpeedFlag()

	stream, err := device.StartCapture(speed, func(err error) {
		log.Printf("Capture worker error: %v", err)
	})
	if err != nil {
		log.Fatalf("Could not start capture: %v", err)
	}
	defer stream.Stop()

	if err := ui.Run(device, stream, *tokensOnly); err != nil {
		log.Fatalf("TUI error: %v", err)
	}
}

func runAPI(device *analyzer.Analyzer) {
	srv := server.NewServer(device)

	go func() {
		if err := srv.Run(*apiAddr); err != nil {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
