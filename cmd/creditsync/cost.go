package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/ineyio/creditsync"
)

var costEntries bool

func init() {
	rootCmd.AddCommand(costCmd)
	costCmd.Flags().BoolVar(&costEntries, "entries", false, "Also print the class of every entry")
}

// ─── cost ─────────────────────────────────────────────────────────────────

var costCmd = &cobra.Command{
	Use:   "cost [file]",
	Short: "Price a transcript without touching any balance",
	Long: `Compute the cumulative cost of a transcript read from a file or stdin.

The input is either a JSON array of entries ({"source","type","payload"})
or a platform transcript document with a "transcript.turns" array.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCost,
}

type costOutput struct {
	creditsync.Breakdown
	Classes []creditsync.Class `json:"classes,omitempty"`
}

func runCost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	calc, err := creditsync.NewCalculator(cfg.Policy)
	if err != nil {
		return err
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	data, err := readInput(path)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	entries, err := parseEntries(data)
	if err != nil {
		return err
	}

	out := costOutput{Breakdown: calc.Calculate(entries)}
	if costEntries {
		for _, e := range entries {
			out.Classes = append(out.Classes, calc.Classify(e))
		}
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func parseEntries(data []byte) ([]creditsync.Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("transcript is not valid JSON")
	}
	doc := gjson.ParseBytes(data)

	turns := doc.Get("transcript.turns")
	if !turns.Exists() {
		turns = doc.Get("turns")
	}
	if turns.IsArray() {
		var entries []creditsync.Entry
		turns.ForEach(func(_, t gjson.Result) bool {
			entries = append(entries, creditsync.Entry{
				Source:  creditsync.Source(t.Get("source").String()),
				Kind:    t.Get("type").String(),
				Payload: json.RawMessage(t.Get("payload").Raw),
			})
			return true
		})
		return entries, nil
	}

	var entries []creditsync.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	return entries, nil
}
