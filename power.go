package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// PowerSwitch enables and disables the receiver supply
type PowerSwitch interface {
	SetPower(on bool) error
}

// noPowerSwitch is used when no GPIO line is configured
type noPowerSwitch struct{}

func (noPowerSwitch) SetPower(bool) error { return nil }

// gpioPowerSwitch drives a sysfs GPIO line
type gpioPowerSwitch struct {
	root      string
	pin       int
	activeLow bool

	mu       sync.Mutex
	prepared bool
}

// NewPowerSwitch returns the switch described by cfg
func NewPowerSwitch(cfg PowerConfig) PowerSwitch {
	if cfg.GPIOPin == 0 {
		return noPowerSwitch{}
	}
	return &gpioPowerSwitch{root: cfg.GPIOChip, pin: cfg.GPIOPin, activeLow: cfg.ActiveLow}
}

func (g *gpioPowerSwitch) pinDir() string {
	return filepath.Join(g.root, "gpio"+strconv.Itoa(g.pin))
}

// prepare exports the line and makes it an output
func (g *gpioPowerSwitch) prepare() error {
	if g.prepared {
		return nil
	}
	if _, err := os.Stat(g.pinDir()); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(g.root, "export"), []byte(strconv.Itoa(g.pin)), 0200); err != nil {
			return fmt.Errorf("exporting gpio %d: %w", g.pin, err)
		}
		// udev needs a moment to fix permissions on the new line
		time.Sleep(100 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(g.pinDir(), "direction"), []byte("out"), 0644); err != nil {
		return fmt.Errorf("setting gpio %d direction: %w", g.pin, err)
	}
	g.prepared = true
	return nil
}

func (g *gpioPowerSwitch) SetPower(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.prepare(); err != nil {
		return err
	}
	level := on != g.activeLow
	value := "0"
	if level {
		value = "1"
	}
	if err := os.WriteFile(filepath.Join(g.pinDir(), "value"), []byte(value), 0644); err != nil {
		return fmt.Errorf("writing gpio %d: %w", g.pin, err)
	}
	if DebugMode {
		log.Printf("DEBUG: Receiver power %v (gpio %d = %s)", on, g.pin, value)
	}
	return nil
}
