package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/bookflow/events"
	"github.com/songzhibin97/bookflow/types"
)

var (
	flagEvent     string
	flagBookID    uint64
	flagEmployee  string
	flagStage     string
	flagPages     int
	flagCompleted bool
	flagDay       string
)

// triggerCmd publishes one domain event and waits for its automations.
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Publish a domain event and run the matching automations",
	Example: `  bookflow trigger --seed seed.yml --event report_submitted --book 1 --stage Scanning --pages 120 --completed
  bookflow trigger --event book_created --book 1
  bookflow trigger --event scheduled_check --book 1 --day 2026-10-19`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagBookID == 0 {
			return errors.New("--book is required")
		}
		event, err := buildEvent()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if errs := a.bus.PublishSync(ctx, event); len(errs) > 0 {
			return errors.Join(errs...)
		}

		book, err := a.store.GetBook(ctx, flagBookID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(book)
	},
}

func buildEvent() (events.Event, error) {
	event := events.Event{Type: flagEvent, BookID: flagBookID}
	switch flagEvent {
	case events.ReportSubmitted:
		stage := types.Stage(flagStage)
		if !stage.Valid() {
			return event, fmt.Errorf("--stage %q is not a known stage", flagStage)
		}
		event.Payload = types.ReportSubmission{
			EmployeeRef:    flagEmployee,
			BookID:         flagBookID,
			Stage:          stage,
			PagesCount:     flagPages,
			StageCompleted: flagCompleted,
		}
	case events.BookCreated:
	case events.ScheduledCheck:
		day := time.Now()
		if flagDay != "" {
			var err error
			if day, err = time.Parse("2006-01-02", flagDay); err != nil {
				return event, fmt.Errorf("--day: %w", err)
			}
		}
		event.Payload = day
	default:
		return event, fmt.Errorf("unknown event %q", flagEvent)
	}
	return event, nil
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().StringVar(&flagEvent, "event", events.ReportSubmitted, "event type: report_submitted, book_created or scheduled_check")
	triggerCmd.Flags().Uint64Var(&flagBookID, "book", 0, "book id")
	triggerCmd.Flags().StringVar(&flagEmployee, "employee", "", "reporting employee ref")
	triggerCmd.Flags().StringVar(&flagStage, "stage", string(types.StageScanning), "reported stage")
	triggerCmd.Flags().IntVar(&flagPages, "pages", 0, "pages reported")
	triggerCmd.Flags().BoolVar(&flagCompleted, "completed", false, "the report completes the stage")
	triggerCmd.Flags().StringVar(&flagDay, "day", "", "scheduled check day (YYYY-MM-DD, default today)")
}
