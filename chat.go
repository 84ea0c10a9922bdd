package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/conversations"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/stream"
)

const chatHelp = `Commands:
  /interactive on|off   toggle interactive shipping
  /confirm <job_id>     confirm and execute a previewed job
  /cancel <job_id>      cancel a job
  /reset                start over with an empty transcript
  /quit                 leave`

func newChatCmd() *cobra.Command {
	var (
		conversationID string
		interactive    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if conversationID == "" {
				conversationID = uuid.NewString()
			}
			a.orch.SetModes(conversationID, model.ModeFlags{InteractiveShipping: interactive})

			out := cmd.OutOrStdout()
			go printEvents(out, a.orch.Events(ctx, conversationID))

			fmt.Fprintf(out, "conversation %s\n%s\n", conversationID, chatHelp)
			return chatLoop(ctx, a.orch, conversationID, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id (random when empty)")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Start with interactive shipping on")
	return cmd
}

func chatLoop(ctx context.Context, orch *conversations.Orchestrator, id string, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return orch.End(ctx, id)
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, orch, id, line, out); quit {
				return orch.End(ctx, id)
			}
			continue
		}
		reply, err := orch.HandleMessage(ctx, id, line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if reply.AwaitingConfirmation {
			fmt.Fprintf(out, "(job %s is waiting for confirmation)\n", reply.PendingBatchID)
		}
	}
}

func command(ctx context.Context, orch *conversations.Orchestrator, id, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/interactive":
		on := len(fields) > 1 && fields[1] == "on"
		gen := orch.SetModes(id, model.ModeFlags{InteractiveShipping: on})
		fmt.Fprintf(out, "interactive shipping %v (generation %d)\n", on, gen)
	case "/confirm":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /confirm <job_id>")
			return false
		}
		res, err := orch.ConfirmBatch(ctx, id, fields[1])
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		printResult(out, res)
	case "/cancel":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /cancel <job_id>")
			return false
		}
		b, err := orch.CancelBatch(ctx, id, fields[1])
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		fmt.Fprintf(out, "%s is %s\n", b.Name, b.State)
	case "/reset":
		gen, err := orch.Reset(ctx, id)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		fmt.Fprintf(out, "conversation reset (generation %d)\n", gen)
	default:
		fmt.Fprintln(out, chatHelp)
	}
	return false
}

func printResult(out io.Writer, res *batch.Result) {
	fmt.Fprintf(out, "job %s: %s, %d/%d succeeded\n", res.BatchID, res.State, res.Succeeded, res.Total)
	for _, r := range res.Rows {
		if r.TrackingID != "" {
			fmt.Fprintf(out, "  row %d: %s\n", r.Index, r.TrackingID)
		} else {
			fmt.Fprintf(out, "  row %d: failed: %s\n", r.Index, r.FailureReason)
		}
	}
}

func printEvents(out io.Writer, events <-chan stream.Event) {
	for ev := range events {
		switch ev.Type {
		case stream.TypeMessage:
			var m stream.Message
			if json.Unmarshal(ev.Payload, &m) == nil {
				fmt.Fprintf(out, "\nassistant: %s\n", m.Text)
			}
		case stream.TypeError:
			var m stream.Message
			if json.Unmarshal(ev.Payload, &m) == nil {
				fmt.Fprintf(os.Stderr, "\nerror: %s\n", m.Text)
			}
		case stream.TypeCompletion:
		default:
			fmt.Fprintf(out, "  [%s] %s\n", ev.Type, ev.Payload)
		}
	}
}
