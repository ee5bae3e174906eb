package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/store"
)

func historyCMD() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted research sessions",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./deepscout.yaml)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			sessions, err := st.ListSessions(context.Background(), 50)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-10s  %3d sources  %s\n", s.CreatedAt.Format("2006-01-02 15:04"), s.Status, s.Sources, s.Query)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one session's cited report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			rec, err := st.GetSession(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(rec.CitedOutput)
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over persisted reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, idx, err := openStore(cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if idx == nil {
				return fmt.Errorf("report index not configured (storage.bleve_path)")
			}
			defer idx.Close()
			hits, err := idx.Search(strings.Join(args, " "), 10)
			if err != nil {
				return err
			}
			for _, h := range hits {
				rec, err := st.GetSession(context.Background(), h.SessionID)
				if err != nil {
					continue
				}
				fmt.Printf("%.2f  %s  %s\n", h.Score, rec.ID, rec.Query)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, search)
	return cmd
}

func openStore(cfgPath string) (store.Store, *store.ReportIndex, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(context.Background(), cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	var idx *store.ReportIndex
	if cfg.Storage.BleveBase != "" {
		idx, _ = store.OpenReportIndex(cfg.Storage.BleveBase)
	}
	return st, idx, nil
}
