// Package ui implements the terminal flight-ops dashboard shown by
// "telemkv monitor": a read-only gocui view over a snapshot file, refreshed
// periodically from disk, with no dependency on a running server.
package ui

import (
	"fmt"
	"sort"
	"time"

	"github.com/jroimartin/gocui"

	"github.com/aerobyte/telemkv/kv"
	"github.com/aerobyte/telemkv/telemetry"
)

// Run opens storePath read-only and displays the current flight roster and
// active flight, polling the snapshot files every refreshInterval until the
// user quits with Ctrl-C.
func Run(storePath string, refreshInterval time.Duration) error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return fmt.Errorf("ui: init terminal: %w", err)
	}
	defer g.Close()

	g.SetManagerFunc(layout)
	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		return err
	}
	if err := g.SetKeybinding("", 'q', gocui.ModNone, quit); err != nil {
		return err
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.Update(func(g *gocui.Gui) error {
					return render(g, storePath)
				})
			}
		}
	}()
	defer close(stop)

	g.Update(func(g *gocui.Gui) error {
		return render(g, storePath)
	})

	if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if v, err := g.SetView("status", 0, 0, maxX-1, 2); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " STATUS "
		fmt.Fprintln(v, " loading...")
	}

	if v, err := g.SetView("flights", 0, 3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " FLIGHTS (q to quit) "
	}
	return nil
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}

func render(g *gocui.Gui, storePath string) error {
	store, err := kv.WithPath(storePath)
	if err != nil {
		if v, verr := g.View("status"); verr == nil {
			v.Clear()
			fmt.Fprintf(v, " snapshot load error: %v\n", err)
		}
		return nil
	}
	seg := telemetry.NewSegmenter(store)
	flights := seg.ListFlights()
	sort.Slice(flights, func(i, j int) bool { return flights[i].StartTime > flights[j].StartTime })

	status, err := g.View("status")
	if err == nil {
		status.Clear()
		// GetCurrentFlightID tracks only the segmenter's live in-memory state,
		// which a freshly-loaded snapshot never has; scan for an open flight
		// by status instead.
		activeID, active := activeFlight(flights)
		if active {
			fmt.Fprintf(status, " ACTIVE FLIGHT: %s  LAST REFRESH: %s\n", activeID, time.Now().Format("15:04:05"))
		} else {
			fmt.Fprintf(status, " NO ACTIVE FLIGHT  LAST REFRESH: %s\n", time.Now().Format("15:04:05"))
		}
	}

	list, err := g.View("flights")
	if err != nil {
		return nil
	}
	list.Clear()
	fmt.Fprintln(list, " FLIGHT ID     STARTED              DURATION   PACKETS   DIST_KM   STATUS")
	fmt.Fprintln(list, " ============================================================================")
	for _, f := range flights {
		started := time.UnixMilli(int64(f.StartTime)).Format("2006-01-02 15:04:05")
		fmt.Fprintf(list, " %-12s  %-19s  %6ds  %7d  %8.2f  %s\n",
			f.FlightID, started, f.DurationSecs, f.PacketCount, f.DistanceKm, f.CurrentStatus)
	}

	return nil
}

// activeFlight reports the most recently started flight whose status isn't
// "Landed" and which was not closed by a timeout (ended_normally still true).
func activeFlight(flights []telemetry.FlightMetadata) (string, bool) {
	for _, f := range flights {
		if f.CurrentStatus != "Landed" && f.EndedNormally {
			return f.FlightID, true
		}
	}
	return "", false
}
