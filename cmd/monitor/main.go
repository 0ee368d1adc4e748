// Whisperer: Host driver and capture tool for USB protocol analyzers
// Copyright (C) 2026
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/google/gousb"

	"whisperer/internal/analyzer"
)

func main() {
	fmt.Println("🔌 Analyzer Device Monitor Tool")
	fmt.Println("===============================")
	fmt.Println()

	// Parse CLI flags
	pollTrigger := flag.Bool("poll-trigger", false, "Poll trigger status periodically")
	pollInterval := flag.Int("poll-interval", 2, "Interval in seconds between trigger polls")
	probeOnly := flag.Bool("probe", false, "Probe for the device and exit")
	flag.Parse()

	// Initialize USB context
	fmt.Println("Phase 1: Initializing USB...")
	ctx := gousb.NewContext()
	defer ctx.Close()

	// Open device by VID/PID
	fmt.Printf("Phase 2: Opening USB device (VID:0x%04x PID:0x%04x)...\n",
		uint16(analyzer.VendorID), uint16(analyzer.ProductID))
	dev, err := ctx.OpenDeviceWithVIDPID(analyzer.VendorID, analyzer.ProductID)
	if err != nil || dev == nil {
		fmt.Printf("❌ Could not open USB device: %v\n", err)
		fmt.Println("\nTroubleshooting:")
		fmt.Println("1. Check if device is connected: lsusb | grep 1d50")
		fmt.Println("2. Check permissions: ls -la /dev/bus/usb/")
		return
	}
	fmt.Println("✅ USB device opened")
	fmt.Println()

	if *probeOnly {
		fmt.Println("Device present, exiting (--probe)")
		dev.Close()
		return
	}

	// Claim the analyzer interface and negotiate versions
	fmt.Println("Phase 3: Claiming analyzer interface...")
	device, err := analyzer.Open(dev)
	if err != nil {
		fmt.Printf("❌ Could not claim interface: %v\n", err)
		dev.Close()
		return
	}
	defer device.Close()
	fmt.Println("✅ Interface claimed")
	fmt.Println()

	// Dump device information
	fmt.Println("Phase 4: Reading device information...")
	metadata := device.Metadata()
	major, minor := device.ProtocolVersion()
	fmt.Printf("   Interface: %s\n", metadata.IfaceDesc)
	fmt.Printf("   Hardware:  %s\n", metadata.IfaceHardware)
	fmt.Printf("   Protocol:  v%d.%d\n", major, minor)
	fmt.Print("   Speeds:    ")
	for i, speed := range device.SupportedSpeeds() {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Print(speed.Description())
	}
	fmt.Println()
	if sources := device.PowerSources(); sources != nil {
		fmt.Printf("   Power:     %v\n", sources)
		if power := device.PowerConfig(); power != nil {
			fmt.Printf("   VBUS:      source %d, on=%v\n", power.SourceIndex, power.OnNow)
		}
	} else {
		fmt.Println("   Power:     not supported")
	}
	fmt.Println()

	if !*pollTrigger {
		fmt.Println("Done. Use --poll-trigger to watch the trigger engine.")
		return
	}

	// Poll the trigger engine
	fmt.Println("Phase 5: Polling trigger status (Ctrl-C to stop)...")
	for {
		status, err := device.TriggerStatus()
		if err != nil {
			fmt.Printf("❌ Trigger status failed: %v\n", err)
			return
		}
		fmt.Printf("   enable=%v armed=%v output=%v/%v stage=%d/%d fires=%d\n",
			status.Enable, status.Armed, status.OutputEnable, status.OutputState,
			status.SequenceStage, status.StageCount, status.FireCount)
		time.Sleep(time.Duration(*pollInterval) * time.Second)
	}
}
