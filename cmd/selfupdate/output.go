package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/updater"
)

// Printer renders CLI output, colored when stdout is a terminal.
type Printer struct {
	success *color.Color
	info    *color.Color
	warn    *color.Color
	danger  *color.Color
}

var printer = NewPrinter()

func NewPrinter() *Printer {
	p := &Printer{
		success: color.New(color.FgGreen, color.Bold),
		info:    color.New(color.FgBlue, color.Bold),
		warn:    color.New(color.FgYellow, color.Bold),
		danger:  color.New(color.FgRed, color.Bold),
	}
	if !hasConsole() || os.Getenv("NO_COLOR") != "" {
		for _, c := range []*color.Color{p.success, p.info, p.warn, p.danger} {
			c.DisableColor()
		}
	}
	return p
}

func (p *Printer) Success(format string, args ...any) { p.success.Printf(format+"\n", args...) }
func (p *Printer) Info(format string, args ...any) { p.info.Printf(format+"\n", args...) }
func (p *Printer) Warn(format string, args ...any) { p.warn.Printf(format+"\n", args...) }
func (p *Printer) Error(format string, args ...any) {
	p.danger.Fprintf(os.Stderr, format+"\n", args...)
}

// colorFor picks the color for a terminal status.
func (p *Printer) colorFor(s updater.Status) *color.Color {
	switch s {
	case updater.Completed, updater.NoUpdate:
		return p.success
	case updater.NeedsRestart, updater.EmergencyFallback:
		return p.warn
	case updater.Error:
		return p.danger
	default:
		return p.info
	}
}

// Status prints one status line with an optional error detail.
func (p *Printer) Status(s updater.Status, line, lastErr, detail string) {
	p.colorFor(s).Println(line)
	if lastErr != "" {
		p.danger.Printf("  error: %s\n", lastErr)
	}
	if detail != "" {
		fmt.Printf("  detail: %s\n", detail)
	}
}

func (p *Printer) Health(sum health.Summary) {
	c := p.success
	switch sum.Status {
	case health.Degraded:
		c = p.warn
	case health.Unhealthy:
		c = p.danger
	case health.Unknown:
		c = p.info
	}
	c.Printf("health: %s\n", sum.Status)
	for name, st := range sum.Components {
		fmt.Printf("  %-10s %s\n", name, st)
	}
}
