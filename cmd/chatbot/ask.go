package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toankh-dev/chat-bot-sub001/internal/gateway"
)

var (
	askSession string
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask <request>",
	Short: "Answer one request from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var events io.Writer = io.Discard
		if askVerbose {
			events = os.Stderr
		}
		rt, err := newApp(events)
		if err != nil {
			return err
		}
		defer rt.Close()

		resp, err := rt.orchestrator.HandleRequest(cmd.Context(), askSession, strings.Join(args, " "))
		fmt.Fprintln(cmd.OutOrStdout(), gateway.Render(resp, err))
		if resp == nil {
			return err
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "cli", "session id, reused to continue a conversation")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print orchestration events to stderr")
}
