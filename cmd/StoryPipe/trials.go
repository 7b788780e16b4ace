package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

func newTrialsCommand(ctx *commandContext) *cobra.Command {
	trialsCmd := &cobra.Command{
		Use:   "trials",
		Short: "Inspect and manage free trials",
	}

	trialsCmd.AddCommand(newTrialsListCommand(ctx))
	trialsCmd.AddCommand(newTrialsCreateCommand(ctx))
	trialsCmd.AddCommand(newTrialsResumeCommand(ctx))
	trialsCmd.AddCommand(newTrialsNotesCommand(ctx))

	return trialsCmd
}

// withStore opens the store for the duration of fn.
func (c *commandContext) withStore(fn func(store.Store) error) error {
	st, err := openStore(&c.env)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// withMachine runs fn against a state machine that has no gateway. Admin
// commands only change stored state; the running service sends the messages.
func (c *commandContext) withMachine(fn func(*flow.Machine) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	return c.withStore(func(st store.Store) error {
		return fn(flow.New(st, nil, nil, cfg.FlowOptions()...))
	})
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTrialsListCommand(ctx *commandContext) *cobra.Command {
	var state string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trials, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.TrialFilter{Limit: limit}
			if state != "" {
				s := models.ConversationState(strings.ToLower(strings.TrimSpace(state)))
				if !models.IsValidState(s) {
					return fmt.Errorf("unknown state %q", state)
				}
				filter.State = s
			}
			return ctx.withStore(func(st store.Store) error {
				trials, err := st.ListTrials(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, trials)
				}
				if len(trials) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No trials")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Storyteller", "Phone", "State", "Question", "Join Code", "Updated"},
					buildTrialRows(trials),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only list trials in this conversation state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of trials to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func buildTrialRows(trials []models.Trial) [][]string {
	rows := make([][]string, 0, len(trials))
	for _, t := range trials {
		phone := t.Phone()
		if phone == "" {
			phone = "-"
		}
		rows = append(rows, []string{
			t.ID,
			t.StorytellerName,
			phone,
			string(t.State),
			strconv.Itoa(t.CurrentQuestionIndex + 1),
			t.JoinCode,
			humanize.Time(t.UpdatedAt),
		})
	}
	return rows
}

func newTrialsCreateCommand(ctx *commandContext) *cobra.Command {
	var req models.CreateTrialRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a trial for a storyteller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMachine(func(m *flow.Machine) error {
				t, err := m.CreateTrial(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created trial %s\n", t.ID)
				fmt.Fprintf(out, "Join code: %s\n", t.JoinCode)
				if t.StorytellerPhone == nil {
					fmt.Fprintln(out, "The storyteller starts by sending the join code on WhatsApp.")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.BuyerPhone, "buyer-phone", "", "buyer WhatsApp number (required)")
	cmd.Flags().StringVar(&req.BuyerName, "buyer-name", "", "buyer name")
	cmd.Flags().StringVar(&req.StorytellerName, "storyteller-name", "", "storyteller name (required)")
	cmd.Flags().StringVar(&req.StorytellerPhone, "storyteller-phone", "", "storyteller WhatsApp number, if known")
	cmd.Flags().StringVar(&req.Album, "album", "", "album title")
	return cmd
}

func newTrialsResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <trial-id>",
		Short: "Restart a stalled trial; the readiness check is re-sent on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMachine(func(m *flow.Machine) error {
				t, err := m.ResumeTrial(cmd.Context(), args[0])
				switch {
				case errors.Is(err, flow.ErrNotStalled):
					return fmt.Errorf("trial %s is not stalled: %w", args[0], err)
				case err != nil:
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Trial %s resumed (%s)\n", t.ID, t.State)
				return nil
			})
		},
	}
}

func newTrialsNotesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "notes <trial-id>",
		Short: "List the voice notes recorded for a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st store.Store) error {
				trial, err := st.GetTrial(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if trial == nil {
					return fmt.Errorf("trial %s: %w", args[0], flow.ErrTrialNotFound)
				}
				notes, err := st.ListVoiceNotes(cmd.Context(), trial.ID)
				if err != nil {
					return err
				}
				if len(notes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No voice notes")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Question", "Status", "Size", "Attempts", "SHA-256", "Updated"},
					buildVoiceNoteRows(notes),
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func buildVoiceNoteRows(notes []models.VoiceNote) [][]string {
	rows := make([][]string, 0, len(notes))
	for _, n := range notes {
		size, sha := "-", "-"
		if n.IsCompleted() {
			size = humanize.Bytes(uint64(n.SizeBytes))
			sha = n.MediaSHA256
			if len(sha) > 12 {
				sha = sha[:12]
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(n.QuestionIndex + 1),
			string(n.DownloadStatus),
			size,
			strconv.Itoa(n.Attempts),
			sha,
			humanize.Time(n.UpdatedAt),
		})
	}
	return rows
}
