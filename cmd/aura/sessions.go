package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/auravoice/aura/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage stored conversation turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, err := openStore()
		if err != nil {
			return err
		}
		defer turns.Close()

		metas, err := turns.ListMetadata()
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("no stored turns")
			return nil
		}
		for _, m := range metas {
			fmt.Printf("%s  %s  %-8s  %s\n",
				m.ID, m.StartedAt.Format("2006-01-02 15:04:05"), m.Transport,
				m.EndedAt.Sub(m.StartedAt).Round(100*time.Millisecond))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one stored turn in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, err := openStore()
		if err != nil {
			return err
		}
		defer turns.Close()

		t, err := turns.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("turn %s (%s, %dms audio)\n", t.ID, t.Transport, t.DurationMS)
		fmt.Printf("  user:      %s\n", t.Transcript)
		fmt.Printf("  assistant: %s\n", t.ReplyText)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one stored turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, err := openStore()
		if err != nil {
			return err
		}
		defer turns.Close()
		return turns.Delete(args[0])
	},
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Path)
}

func init() {
	sessionsCmd.AddCommand(sessionsShowCmd, sessionsDeleteCmd)
}
