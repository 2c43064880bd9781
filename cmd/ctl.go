// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/ptables/internal/ctlplane"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
)

func dial(socketPath string) (*ctlplane.Client, error) {
	c, err := ctlplane.Dial(socketPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindResource,
			"is ptablesd running? could not open control session")
	}
	return c, nil
}

// RunRulesLoad installs the rule set in file through the control channel.
func RunRulesLoad(socketPath, file string) error {
	payload, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, errors.KindResource, "reading rule set file")
	}

	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	version, err := c.UpdateRuleSet(payload)
	if err != nil {
		return err
	}
	fmt.Printf("Rule set installed, version %d\n", version)
	return nil
}

// RunStats prints the counter snapshot, as JSON or a table.
func RunStats(socketPath string, asJSON bool) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADAPTER\tSTATE\tALLOWED\tDROPPED\tCAPTURED\tBYPASSED\tPENDING")
	for _, in := range stats.Instances {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			in.Adapter, in.State, in.Allowed, in.Dropped, in.Captured, in.Bypassed,
			in.PendingSend+in.PendingReceive)
	}
	w.Flush()

	fmt.Printf("\nruleset version %d, ring %d/%d bytes, capture drops %d, eval errors %d\n",
		stats.RuleSetVersion, stats.RingUsed, stats.RingCapacity,
		stats.CaptureDrops, stats.RuleEvalErrors)
	return nil
}

// RunDrain streams capture records from the ring to stdout as JSON lines,
// until interrupted or, with once set, until the ring is empty.
func RunDrain(socketPath string, once bool) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	var pending []byte
	for {
		// Streaming mode waits server-side for data; -once drains whatever
		// is there and stops at the first empty read.
		chunk, err := c.DrainRing(0, !once)
		if err != nil {
			return err
		}
		if len(chunk) == 0 && once {
			return nil
		}
		pending = append(pending, chunk...)

		// Records are length-prefixed; a chunk may end mid-record.
		for {
			if len(pending) < 4 {
				break
			}
			n := binary.LittleEndian.Uint32(pending)
			if uint32(len(pending)-4) < n {
				break
			}
			var rec filter.CaptureRecord
			if err := json.Unmarshal(pending[4:4+n], &rec); err != nil {
				return errors.Wrap(err, errors.KindInternal, "malformed capture record")
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
			pending = pending[4+n:]
		}
	}
}

// RunStatus prints a one-line health summary for the running daemon.
func RunStatus(socketPath string) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	running := 0
	for _, in := range stats.Instances {
		if in.State == filter.StateRunning.String() {
			running++
		}
	}
	fmt.Printf("ptablesd up: %d/%d adapters running, ruleset v%d, ring %d/%d bytes\n",
		running, len(stats.Instances), stats.RuleSetVersion,
		stats.RingUsed, stats.RingCapacity)
	return nil
}

// RunPing checks the control channel round trip.
func RunPing(socketPath string) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Ping([]byte("ptables")); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
