package events

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ProgressPrinterFunc returns a watermill handler that renders the running
// tally of an evaluation run to w, one line per completed item, in completion
// order. It is the default console view wired by the CLI.
func ProgressPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p := e.(type) {
		case *EventRunStart:
			_, err = fmt.Fprintf(w, "%s: evaluating %d items (concurrency %d, %s mode)\n",
				name, p.Total, p.Concurrency, p.Mode)
		case *EventItemDone:
			pct := 0.0
			if p.Total > 0 {
				pct = 100 * p.Correct / float64(p.Total)
			}
			_, err = fmt.Fprintf(w, "%s: %.2f / %d (%.1f%%)\n", name, p.Correct, p.Total, pct)
		case *EventRunDone:
			_, err = fmt.Fprintf(w, "%s: done, %.2f / %d (%.2f%%)\n", name, p.NCorrect, p.NTotal, p.Average)
		case *EventInterrupt:
			_, err = fmt.Fprintf(w, "%s: interrupted after %d items\n", name, p.Completed)
		case *EventError:
			_, err = fmt.Fprintf(w, "%s: error: %s\n", name, p.ErrorString)
		case *EventTrialStart:
			_, err = fmt.Fprintf(w, "%s: trial %d (instruction %d, fewshot %d)\n",
				name, p.TrialID, p.Instruction, p.Fewshot)
		case *EventTrialDone:
			_, err = fmt.Fprintf(w, "%s: trial %d scored %.2f\n", name, p.TrialID, p.Score)
		case *EventStudyBest:
			_, err = fmt.Fprintf(w, "%s: best trial %d (%.2f)\n", name, p.TrialID, p.Score)
		}

		return err
	}
}
