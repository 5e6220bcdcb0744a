package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toankh-dev/chat-bot-sub001/internal/knowledge"
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the knowledge base",
}

var kbIndexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Load .md, .txt and .jsonl files from dir into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		docs, err := knowledge.LoadDir(args[0])
		if err != nil {
			return err
		}

		kb, closeKB, err := openKnowledge(cfg)
		if err != nil {
			return err
		}
		defer closeKB()

		if err := kb.Index(cmd.Context(), docs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents into %s\n", len(docs), cfg.Knowledge.Backend)
		return nil
	},
}

func init() {
	kbCmd.AddCommand(kbIndexCmd)
}
