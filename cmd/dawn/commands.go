package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/api"
	"github.com/kalambet/dawn/internal/config"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/orchestrator"
	"github.com/kalambet/dawn/internal/storage"
)

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	out := tags[:0]
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <feed> <file.csv>",
	Short: "Ingest a CSV file as a new version of a feed",
	Long: `Ingest a CSV file as a new version of a feed. Use "-" to read stdin.
Data identical to the latest version does not create a new version.

Examples:
  dawn ingest tickets ./tickets.csv --name "Support tickets"
  cat export.csv | dawn ingest tickets -`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		feed, file := args[0], args[1]
		name, _ := cmd.Flags().GetString("name")

		var data io.Reader = os.Stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening %s: %w", file, err)
			}
			defer f.Close()
			data = f
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/feeds/" + url.PathEscape(feed) + "/versions"
		if name != "" {
			path += "?name=" + url.QueryEscape(name)
		}
		resp, err := client.postCSV(cmd.Context(), path, data)
		if err != nil {
			return err
		}

		var res feeds.IngestResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printIngest(res)
		return nil
	},
}

func printIngest(res feeds.IngestResult) {
	if res.Created {
		printSuccess("Stored %s v%d (%d rows, %d columns)", res.Feed.Identifier, res.Version.Version, res.Version.RowCount, res.Version.ColumnCount)
	} else {
		printWarning("%s unchanged; latest is still v%d", res.Feed.Identifier, res.Version.Version)
	}
	printStatus("Drift", "%s", res.Drift.String())
}

func init() {
	ingestCmd.Flags().String("name", "", "display name of the feed")
}

// --- feeds ---

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "List feeds and their versions",
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/feeds")
		if err != nil {
			return err
		}
		var list []storage.Feed
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No feeds found.")
			return nil
		}
		for _, f := range list {
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, f.Identifier), f.Name, f.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var feedsVersionsCmd = &cobra.Command{
	Use:   "versions <feed>",
	Short: "List the versions of a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/feeds/"+url.PathEscape(args[0])+"/versions")
		if err != nil {
			return err
		}
		var versions []storage.FeedVersion
		if err := decodeJSON(resp, &versions); err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("%s  %s  %d rows  %d columns  %s\n",
				colorize(colorBold, fmt.Sprintf("v%d", v.Version)),
				v.CreatedAt.Format("2006-01-02 15:04"),
				v.RowCount, v.ColumnCount, v.Fingerprint)
		}
		return nil
	},
}

func init() {
	feedsCmd.AddCommand(feedsListCmd)
	feedsCmd.AddCommand(feedsVersionsCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <feed>",
	Short: "Analyze the latest version of a feed",
	Long: `Analyze the latest version of a feed and print the final report.

Examples:
  dawn run tickets
  dawn run tickets --question "Which priority has the most rows?"
  dawn run tickets --annotate "Sam is part-time" --no-refresh --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		noRefresh, _ := cmd.Flags().GetBool("no-refresh")
		notes, _ := cmd.Flags().GetStringArray("annotate")
		asJSON, _ := cmd.Flags().GetBool("json")

		body := api.RunBody{Question: question}
		if noRefresh {
			refresh := false
			body.RefreshContext = &refresh
		}
		for _, n := range notes {
			body.Annotations = append(body.Annotations, memory.Annotation{Text: n})
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/feeds/"+url.PathEscape(args[0])+"/runs", body)
		if err != nil {
			return err
		}

		var sum orchestrator.RunSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, sum)
		}
		printSummary(os.Stdout, sum)
		return nil
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a stored run summary as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var sum json.RawMessage
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		var out any
		if err := json.Unmarshal(sum, &out); err != nil {
			return err
		}
		return printJSON(os.Stdout, out)
	},
}

func printSummary(w io.Writer, sum orchestrator.RunSummary) {
	status := colorize(colorGreen, sum.Status)
	if sum.Status != orchestrator.StatusOK {
		status = colorize(colorRed, sum.Status)
	}
	fmt.Fprintf(w, "%s %s  %s\n\n", colorize(colorBold, "Run"), sum.RunID, status)
	fmt.Fprintln(w, sum.FinalReport)
}

func init() {
	runCmd.Flags().String("question", "", "question to answer from the results")
	runCmd.Flags().Bool("no-refresh", false, "do not persist curated context notes")
	runCmd.Flags().StringArray("annotate", nil, "add a note for this feed before answering (repeatable)")
	runCmd.Flags().Bool("json", false, "print the full run summary as JSON")
	runCmd.AddCommand(runShowCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <feed> <question>",
	Short: "Answer a question from the latest stored analysis of a feed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/feeds/"+url.PathEscape(args[0])+"/ask", api.AskBody{
			Question: strings.Join(args[1:], " "),
			TopK:     topK,
		})
		if err != nil {
			return err
		}
		var ans answer.Answer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}
		printAnswer(os.Stdout, ans)
		return nil
	},
}

func printAnswer(w io.Writer, ans answer.Answer) {
	fmt.Fprintln(w, ans.Text)
	switch {
	case ans.Direct:
		fmt.Fprintf(w, "%s verified metric %s\n", colorize(colorBold, "Source:"), ans.StepID)
	case len(ans.Sources) > 0:
		fmt.Fprintln(w, colorize(colorBold, "Sources:"))
		for i, s := range ans.Sources {
			if s.RowIndex >= 0 {
				fmt.Fprintf(w, "  [%d] %s (row %d)\n", i+1, s.NoteID, s.RowIndex)
			} else {
				fmt.Fprintf(w, "  [%d] %s\n", i+1, s.NoteID)
			}
		}
	}
	for _, warn := range ans.Warnings {
		printWarning("%s", warn.Message)
	}
}

func init() {
	askCmd.Flags().Int("top-k", 0, "maximum number of notes to consult (default from config)")
}

// --- drift ---

var driftCmd = &cobra.Command{
	Use:   "drift <feed>",
	Short: "Show drift of a feed version against the version before it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		asJSON, _ := cmd.Flags().GetBool("json")

		path := "/feeds/" + url.PathEscape(args[0]) + "/drift"
		if version > 0 {
			path += fmt.Sprintf("?version=%d", version)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var report drift.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, report)
		}
		printDrift(os.Stdout, report)
		return nil
	},
}

func printDrift(w io.Writer, r drift.Report) {
	fmt.Fprintln(w, r.String())
	for _, d := range r.NullRateDeltas {
		fmt.Fprintf(w, "  null rate %s: %.2f -> %.2f\n", d.Column, d.Previous, d.Current)
	}
}

func init() {
	driftCmd.Flags().Int("version", 0, "version to inspect (default latest)")
	driftCmd.Flags().Bool("json", false, "print the report as JSON")
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Manage context notes",
}

var notesAddCmd = &cobra.Command{
	Use:   "add <feed> <text>",
	Short: "Attach a note to a feed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		row, _ := cmd.Flags().GetInt("row")
		tagsStr, _ := cmd.Flags().GetString("tags")

		body := api.NoteBody{
			Feed: args[0],
			Text: strings.Join(args[1:], " "),
			Tags: splitTags(tagsStr),
		}
		if row >= 0 {
			body.RowIndex = &row
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notes", body)
		if err != nil {
			return err
		}
		var res api.NoteResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Stored note %s", res.Note.ID)
		for _, w := range res.Warnings {
			printWarning("%s", w.Message)
		}
		return nil
	},
}

var notesListCmd = &cobra.Command{
	Use:   "list [feed]",
	Short: "List context notes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/notes"
		if len(args) == 1 {
			path += "?feed=" + url.QueryEscape(args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var notes []storage.ContextNote
		if err := decodeJSON(resp, &notes); err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println("No notes found.")
			return nil
		}
		for _, n := range notes {
			text := n.Content()
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			embedded := ""
			if !n.Embedded {
				embedded = colorize(colorYellow, " (not embedded)")
			}
			fmt.Printf("%s  %-8s %s%s\n", colorize(colorCyan, n.ID), n.Type, text, embedded)
		}
		return nil
	},
}

var notesEditCmd = &cobra.Command{
	Use:   "edit <id> <text>",
	Short: "Replace the user text of a note",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/notes/"+url.PathEscape(args[0]), api.EditBody{Text: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		var res api.NoteResponse
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Updated note %s", res.Note.ID)
		for _, w := range res.Warnings {
			printWarning("%s", w.Message)
		}
		return nil
	},
}

func init() {
	notesAddCmd.Flags().Int("row", -1, "row index the note refers to")
	notesAddCmd.Flags().String("tags", "", "comma-separated tags")
	notesCmd.AddCommand(notesAddCmd)
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesEditCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
