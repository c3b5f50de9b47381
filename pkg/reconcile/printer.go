package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/grillo/pkg/transcript"
)

type PrinterFormat string

const (
	FormatText PrinterFormat = "text"
	FormatJSON PrinterFormat = "json"
	FormatYAML PrinterFormat = "yaml"
)

type PrinterOptions struct {
	// Format determines the output format (text, json, yaml)
	Format PrinterFormat
	// ShowStatus prints status indicator changes in text mode
	ShowStatus bool
}

// NewTranscriptPrinter returns a router handler that renders transcript
// notifications to w. In text mode it prints entries incrementally: each
// snapshot of a streaming entry only emits the text added since the last
// one, so a live session reads like the assistant typing.
func NewTranscriptPrinter(w io.Writer, options PrinterOptions) func(msg *message.Message) error {
	// bytes of each entry's text already written, text mode only
	printed := map[uuid.UUID]int{}

	return func(msg *message.Message) error {
		defer msg.Ack()

		n := &Notification{}
		if err := json.Unmarshal(msg.Payload, n); err != nil {
			return errors.Wrap(err, "failed to decode transcript notification")
		}

		switch options.Format {
		case FormatText:
			return printTextNotification(w, n, printed, options)
		case FormatJSON:
			return printStructuredNotification(w, n, json.Marshal)
		case FormatYAML:
			return printStructuredNotification(w, n, yaml.Marshal)
		default:
			return errors.Errorf("unknown printer format: %s", options.Format)
		}
	}
}

func printTextNotification(w io.Writer, n *Notification, printed map[uuid.UUID]int, options PrinterOptions) error {
	if n.Kind == NotificationStatus {
		if !options.ShowStatus || n.Status == "" {
			return nil
		}
		_, err := fmt.Fprintf(w, "\n-- %s\n", n.Status)
		return err
	}

	e := n.Entry
	if e == nil {
		return nil
	}

	switch e.Kind {
	case transcript.EntryKindMessage:
		prev := printed[e.ID]
		if len(e.Text) > prev {
			if _, err := fmt.Fprint(w, e.Text[prev:]); err != nil {
				return err
			}
			printed[e.ID] = len(e.Text)
		}
		if !e.Completed {
			return nil
		}
		delete(printed, e.ID)
		if !strings.HasSuffix(e.Text, "\n") {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if e.CompletionReason != transcript.ReasonNormal && e.CompletionReason != "" {
			_, err := fmt.Fprintf(w, "[%s]\n", e.CompletionReason)
			return err
		}
		return nil

	case transcript.EntryKindToolCall:
		record := map[string]string{"tool": e.ToolName}
		if e.ToolInput != "" {
			record["input"] = e.ToolInput
		}
		if e.ToolOutput != "" {
			record["output"] = e.ToolOutput
		}
		v, err := yaml.Marshal(record)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", v)
		return err

	case transcript.EntryKindSystem:
		if _, err := fmt.Fprintf(w, "\n[system] %s\n", e.Text); err != nil {
			return err
		}
		if len(e.Metadata) > 0 {
			v, err := yaml.Marshal(e.Metadata)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", v); err != nil {
				return err
			}
		}
		return nil
	}

	return nil
}

func printStructuredNotification(w io.Writer, n *Notification, marshal func(interface{}) ([]byte, error)) error {
	out, err := marshal(n)
	if err != nil {
		return err
	}
	_, err = w.Write(append(out, '\n'))
	return err
}
