package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/coworkd/internal/gateway"
	"github.com/nextlevelbuilder/coworkd/internal/mux"
	"github.com/nextlevelbuilder/coworkd/internal/runner"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and channel connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("coworkd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("  Store:    OPEN FAILED (%s)\n", err)
		return
	}
	defer st.Close()
	fmt.Println("  Store:    OK")
	fmt.Println()

	// Quiet logger; doctor output is the report below.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	m := mux.New(cfg, st, noopRunner{}, nil, log)
	gw := gateway.New(cfg, st, m, log)
	registerTransports(cfg, gw, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reports := gw.TestAll(ctx)
	if len(reports) == 0 {
		fmt.Println("  No channels configured. Set credentials in the config file or environment.")
		return
	}

	fmt.Println("  Channels:")
	for _, report := range reports {
		fmt.Printf("    %s %s\n", pad(string(report.Platform), 10), strings.ToUpper(string(report.Verdict)))
		for _, check := range report.Checks {
			line := fmt.Sprintf("      %s %s", pad(check.Name, 12), check.Verdict)
			if check.Detail != "" {
				line += "  " + check.Detail
			}
			fmt.Println(line)
			if check.Hint != "" {
				fmt.Printf("      %s hint: %s\n", pad("", 12), check.Hint)
			}
		}
	}
}

// noopRunner satisfies the multiplexer so doctor can build a gateway
// without starting agent machinery.
type noopRunner struct{}

func (noopRunner) StartSession(context.Context, string, string, runner.StartOptions) error {
	return errors.New("doctor: runner disabled")
}
func (noopRunner) ContinueSession(context.Context, string, string, runner.ContinueOptions) error {
	return errors.New("doctor: runner disabled")
}
func (noopRunner) StopSession(string) {}

func (noopRunner) RespondToPermission(string, runner.PermissionResult) bool { return false }

func (noopRunner) IsSessionActive(string) bool { return false }

func (noopRunner) Subscribe(*runner.Events) {}

// pad right-pads to a display width; CJK-aware so the verdict column
// stays aligned with wide characters in details.
func pad(s string, width int) string {
	gap := width - runewidth.StringWidth(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}
